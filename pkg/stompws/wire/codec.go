package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	stompframe "github.com/go-stomp/stomp/v3/frame"
	"github.com/tsarna/stompws/pkg/stompws"
)

// Client and server commands.
const (
	CONNECT     = "CONNECT"
	STOMP       = "STOMP"
	CONNECTED   = "CONNECTED"
	SEND        = "SEND"
	SUBSCRIBE   = "SUBSCRIBE"
	UNSUBSCRIBE = "UNSUBSCRIBE"
	ACK         = "ACK"
	NACK        = "NACK"
	BEGIN       = "BEGIN"
	COMMIT      = "COMMIT"
	ABORT       = "ABORT"
	DISCONNECT  = "DISCONNECT"
	MESSAGE     = "MESSAGE"
	RECEIPT     = "RECEIPT"
	ERROR       = "ERROR"
)

// Frame is a single STOMP frame.
type Frame = stompframe.Frame

var ErrTruncatedFrame = errors.New("truncated frame")

// heartBeat is what a heart-beat looks like on the wire.
var heartBeat = []byte{'\n'}

// New builds a frame. Headers are written in sorted key order so that
// encoded frames are deterministic.
func New(command string, header stompws.Header, body []byte) *Frame {
	f := stompframe.New(command)
	for _, key := range header.Keys() {
		f.Header.Add(key, header[key])
	}
	f.Body = body
	return f
}

// HeaderOf flattens the headers of f. When a header is repeated only the
// first occurrence is kept.
func HeaderOf(f *Frame) stompws.Header {
	if f == nil || f.Header == nil {
		return stompws.Header{}
	}

	h := make(stompws.Header, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		key, value := f.Header.GetAt(i)
		if _, seen := h[key]; !seen {
			h[key] = value
		}
	}
	return h
}

// Encode serializes f into a single WebSocket message payload. A non-empty
// body without a content-length header gets one, so bodies may contain NUL
// bytes. A nil frame encodes a heart-beat.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return heartBeat, nil
	}

	if len(f.Body) > 0 {
		if _, ok := f.Header.Contains(stompws.HeaderContentLength); !ok {
			f.Header.Set(stompws.HeaderContentLength, strconv.Itoa(len(f.Body)))
		}
	}

	var buf bytes.Buffer
	if err := stompframe.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses every frame in a WebSocket message payload. Brokers may
// batch several frames in one message and send bare EOLs as heart-beats;
// heart-beats are counted rather than returned.
func Decode(data []byte) (frames []*Frame, heartBeats int, err error) {
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] != 0 {
		return nil, 0, ErrTruncatedFrame
	}

	reader := stompframe.NewReader(bytes.NewReader(data))
	for {
		f, err := reader.Read()
		if err == io.EOF {
			return frames, heartBeats, nil
		}
		if err != nil {
			return frames, heartBeats, fmt.Errorf("failed to decode frame: %w", err)
		}
		if f == nil {
			heartBeats++
			continue
		}
		frames = append(frames, f)
	}
}

// IsHeartBeat reports whether data consists only of EOLs.
func IsHeartBeat(data []byte) bool {
	return len(data) > 0 && len(bytes.TrimLeft(data, "\r\n")) == 0
}
