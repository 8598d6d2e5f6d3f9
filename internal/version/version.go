// Package version carries build identification, injected at link time via
// -ldflags "-X".
package version

var (
	// Version is the semantic version or git describe output.
	Version = "dev"
	// Commit is the short git commit hash.
	Commit = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String renders the full build identifier.
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}
