// Package pipeline implements the ingress-to-egress path: an SPSC ring
// buffer, the batching tick buffer with count/time flushing and drop-on-full
// backpressure, and the real-time OHLCV aggregator.
package pipeline
