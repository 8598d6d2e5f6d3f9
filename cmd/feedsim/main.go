// Command feedsim runs the synthetic feed gateway. Point a databento feed
// at it for local development without vendor credentials.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acashmore/mdfeed/internal/feedsim"
	"github.com/acashmore/mdfeed/internal/version"
)

func main() {
	var (
		listen     = flag.String("listen", ":13000", "listen address")
		apiKey     = flag.String("api-key", "", "required API key (empty accepts any)")
		intervalMs = flag.Int("interval-ms", 100, "tick interval per connection")
		seed       = flag.Int64("seed", 0, "random-walk seed (0 = clock)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("feedsim", version.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	srv := feedsim.New(feedsim.Config{
		Listen:   *listen,
		APIKey:   *apiKey,
		Interval: time.Duration(*intervalMs) * time.Millisecond,
		Seed:     *seed,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	srv.Stop()
}
