// Package wire encodes and decodes STOMP frames carried in WebSocket
// messages, and implements the version and heart-beat negotiation rules of
// the STOMP 1.2 specification.
//
// The byte format itself (command line, escaped headers, content-length
// bodies and NUL terminators) is handled by github.com/go-stomp/stomp/v3/frame.
package wire
