package subutils

import (
	"context"

	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingHandler logs every message it receives and then hands it to the
// wrapped handler. With a nil wrapped handler it only logs.
type LoggingHandler struct {
	wrapped  stompws.MessageHandler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

// NewLoggingHandler returns a handler that logs each message at logLevel
// before calling next.
func NewLoggingHandler(next stompws.MessageHandler, logger *zap.Logger, logLevel zapcore.Level) stompws.MessageHandler {
	return NewNamedLoggingHandler(next, logger, logLevel, "LoggingHandler").Handle
}

// NewNamedLoggingHandler is like NewLoggingHandler but identifies itself
// in log entries with name.
func NewNamedLoggingHandler(next stompws.MessageHandler, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{
		wrapped:  next,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingHandler) Handle(ctx context.Context, msg stompws.Message) error {
	if ce := l.logger.Check(l.logLevel, "Message received"); ce != nil {
		ce.Write(
			zap.String("handler", l.name),
			zap.String("destination", msg.Destination()),
			zap.String("subscription", msg.SubscriptionID()),
			zap.String("messageId", msg.MessageID()),
			zap.String("contentType", msg.ContentType()),
			zap.Int("bodyLength", msg.BodyLength()),
			zap.String("body", msg.BodyString()),
			zap.Bool("hasWrapped", l.wrapped != nil),
		)
	}

	if l.wrapped == nil {
		return nil
	}

	err := l.wrapped(ctx, msg)
	if err != nil {
		l.logger.Log(l.logLevel, "Handler returned error",
			zap.String("handler", l.name),
			zap.String("destination", msg.Destination()),
			zap.Error(err),
		)
	}
	return err
}
