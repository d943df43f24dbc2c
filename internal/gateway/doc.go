// Package gateway defines the boundary to the lighting gateway.
//
// The rest of the daemon only talks to the Client interface. HTTPClient is a
// hand-written implementation for gateways exposed through an HTTP/JSON
// resource proxy (numeric resource paths such as /15001 for devices and
// /15004 for groups). There is no maintained Go library for this gateway, so
// requests are built directly on net/http.
//
// Device observation is a long-lived streaming GET per device that yields
// newline-delimited JSON device records.
package gateway
