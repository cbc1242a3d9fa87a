package subutils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestJqHandler(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		body  string
		want  string
		drop  bool
	}{
		{name: "field", query: ".name", body: `{"name":"probe","value":21}`, want: `"probe"`},
		{name: "arithmetic", query: ".value * 2", body: `{"value":21}`, want: `42`},
		{name: "destination variable", query: "{src: $destination, v: .value}", body: `{"value":1}`, want: `{"src":"/topic/sensor","v":1}`},
		{name: "multiple results", query: ".[]", body: `[1,2,3]`, want: `[1,2,3]`},
		{name: "no results", query: "select(.value > 100)", body: `{"value":1}`, drop: true},
		{name: "plain text", query: "ascii_upcase", body: "hello", want: `"HELLO"`},
		{name: "empty array", query: ".", body: `[]`, want: `[]`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			h, err := JqHandler(tc.query, rec.handle, nil)
			require.NoError(t, err)

			require.NoError(t, h(ctx, newTestMessage("/topic/sensor", tc.body)))

			if tc.drop {
				assert.Empty(t, rec.received())
				return
			}
			require.Len(t, rec.received(), 1)
			got := rec.received()[0]
			assert.JSONEq(t, tc.want, got.BodyString())
			assert.Equal(t, ContentTypeJSON, got.ContentType())
			assert.Equal(t, len(got.Body()), got.BodyLength())
			assert.Equal(t, ContentTypeJSON, got.Header().Get(stompws.HeaderContentType))
			assert.Equal(t, "/topic/sensor", got.Destination())
		})
	}
}

func TestJqHandlerAcksOriginal(t *testing.T) {
	ctx := context.Background()
	orig := newTestMessage("/topic/a", `{"a":1}`)

	h, err := JqHandler(".a", func(ctx context.Context, msg stompws.Message) error {
		return msg.Ack(ctx, nil)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h(ctx, orig))
	assert.Equal(t, 1, orig.ackCount())
	assert.Equal(t, stompws.ContentTypeText, orig.ContentType())
}

func TestJqHandlerRuntimeError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rec := &recorder{}

	h, err := JqHandler(".a.b", rec.handle, zap.New(core))
	require.NoError(t, err)

	orig := newTestMessage("/topic/a", `{"a":"not an object"}`)
	require.NoError(t, h(context.Background(), orig))

	require.Len(t, rec.received(), 1)
	assert.Same(t, orig, rec.received()[0])
	assert.Equal(t, 1, logs.FilterMessage("jq execution error").Len())
}

func TestJqHandlerInvalidQuery(t *testing.T) {
	_, err := JqHandler(".[", nil, nil)
	assert.ErrorContains(t, err, "failed to parse jq query")

	_, err = JqHandler("$undefined", nil, nil)
	assert.ErrorContains(t, err, "failed to compile jq query")
}
