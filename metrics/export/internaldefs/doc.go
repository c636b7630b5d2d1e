// Package internaldefs is the single table of exported metric names, help
// strings and latency bucket bounds. The Prometheus and OTel exporters both
// read it, so a counter renamed here is renamed in both.
package internaldefs
