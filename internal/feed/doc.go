// Package feed contains the vendor ingress layer: the Source capability set
// each vendor implements, the Handler supervisor that drives connect /
// subscribe / read / reconnect for any Source, and the concrete sources for
// Databento (framed TCP), Bloomberg (native bridge), CME (multicast SBE),
// and ICE (websocket).
package feed
