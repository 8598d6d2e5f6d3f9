// Package manager orchestrates the feed pipeline: it owns one supervised
// handler per vendor, funnels every delivered tick through the shared
// buffer, aggregator, and publisher, and exposes status and statistics for
// the whole gateway.
package manager
