package stompws

// Version is the release of this module, reported by the broker in the
// server header.
const Version = "0.1.0"
