// Package model defines the normalized market-data types shared by every
// component: the immutable Tick, per-feed statistics, OHLCV bars, and the
// time source used for latency accounting.
package model
