package subutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/itchyny/gojq"
	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
)

const ContentTypeJSON = "application/json"

// JqHandler returns a handler that runs query against each message body
// and passes a message carrying the JSON-encoded result to next.
//
// Bodies that are not valid JSON are given to the query as a string. The
// query can refer to the message destination as $destination. A query that
// produces several results passes them on as an array; one that produces
// none drops the message. When the query fails at runtime the error is
// logged and the original message is passed on unchanged.
//
//	h, err := subutils.JqHandler(`select(.level == "error") | {source: $destination, text: .msg}`, next, logger)
func JqHandler(query string, next stompws.MessageHandler, logger *zap.Logger) (stompws.MessageHandler, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$destination"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, msg stompws.Message) error {
		var input any
		if err := json.Unmarshal(msg.Body(), &input); err != nil {
			input = msg.BodyString()
		}

		var results []any
		iter := code.RunWithContext(ctx, input, msg.Destination())
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("jq execution error",
					zap.String("query", query),
					zap.String("destination", msg.Destination()),
					zap.Error(execErr))
				return next(ctx, msg)
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil
		}

		var payload any = results
		if len(results) == 1 {
			payload = results[0]
		}

		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error("jq result is not JSON encodable",
				zap.String("query", query),
				zap.String("destination", msg.Destination()),
				zap.Error(err))
			return next(ctx, msg)
		}

		return next(ctx, withBody(msg, body, ContentTypeJSON))
	}, nil
}

// bodyMessage replaces the body of a received message. Acknowledgement
// still goes through the original.
type bodyMessage struct {
	stompws.Message
	header stompws.Header
	body   []byte
}

func withBody(msg stompws.Message, body []byte, contentType string) stompws.Message {
	header := msg.Header().Clone()
	header[stompws.HeaderContentType] = contentType
	header[stompws.HeaderContentLength] = strconv.Itoa(len(body))

	return &bodyMessage{Message: msg, header: header, body: body}
}

func (m *bodyMessage) Header() stompws.Header { return m.header.Clone() }
func (m *bodyMessage) Body() []byte           { return m.body }
func (m *bodyMessage) BodyString() string     { return string(m.body) }
func (m *bodyMessage) BodyLength() int        { return len(m.body) }
func (m *bodyMessage) ContentType() string    { return m.header.Get(stompws.HeaderContentType) }
