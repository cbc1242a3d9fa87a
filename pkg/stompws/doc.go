// Package stompws defines the client-facing types for STOMP messaging over
// WebSocket transports.
//
// The protocol engine lives in the client package, the frame codec in wire,
// and a small broker suitable for tests and local development in broker.
// The modules package describes how these pieces are wired together and
// loads them in dependency order.
package stompws
