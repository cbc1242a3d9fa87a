package stompws

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("client is not connected")
	ErrAlreadyConnected   = errors.New("client is already started")
	ErrNoSuchSubscription = errors.New("no such subscription")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrHeartbeatTimeout   = errors.New("heart-beat timeout")
	ErrNoAckRequired      = errors.New("message does not require acknowledgement")
)

// ServerError is returned when the broker answers with an ERROR frame.
type ServerError struct {
	Message string
	Header  Header
	Body    []byte
}

func (e *ServerError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("server error: %s: %s", e.Message, string(e.Body))
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

// NewServerError builds a ServerError from the headers and body of an ERROR frame.
func NewServerError(header Header, body []byte) *ServerError {
	msg := header.Get(HeaderMessage)
	if msg == "" {
		msg = "unspecified error"
	}
	return &ServerError{
		Message: msg,
		Header:  header,
		Body:    body,
	}
}
