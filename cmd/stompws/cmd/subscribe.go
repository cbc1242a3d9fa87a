package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/subutils"
	"go.uber.org/zap"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <websocket-url> [destinations...]",
	Short: "Subscribe to destinations and print the messages received",
	Long: `Subscribe to destinations on a STOMP over WebSocket broker and print
each message to stdout as "<destination>\t<body>".

The first argument is the WebSocket URL to connect to.
Additional arguments are destinations to subscribe to. Brokers that
support them accept MQTT-style wildcards (+ and #). If no destinations
are provided, subscribes to "#".

The connection is re-established with exponential backoff if it drops,
and the subscriptions are restored.

Examples:
  stompws subscribe ws://localhost:61614/stomp
  stompws subscribe ws://localhost:61614/stomp "/topic/sensors/+/temperature"
  stompws subscribe --jq '.value' ws://localhost:61614/stomp /topic/readings
  stompws subscribe --ack client-individual ws://localhost:61614/stomp /queue/jobs`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

var (
	subscribeConn      connectionFlags
	subscribeJq        string
	subscribeAck       string
	subscribeQueueSize int
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeConn.register(subscribeCmd)
	subscribeCmd.Flags().StringVar(&subscribeJq, "jq", "", "jq query applied to JSON message bodies ($destination is available)")
	subscribeCmd.Flags().StringVar(&subscribeAck, "ack", stompws.AckAuto, "ack mode (auto, client, client-individual)")
	subscribeCmd.Flags().IntVar(&subscribeQueueSize, "queue-size", subutils.DefaultAsyncQueueSize, "messages buffered before new ones are dropped")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	if !slices.Contains([]string{stompws.AckAuto, stompws.AckClient, stompws.AckClientIndividual}, subscribeAck) {
		return fmt.Errorf("invalid ack mode %q", subscribeAck)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := args[0]
	destinations := args[1:]
	if len(destinations) == 0 {
		destinations = []string{"#"}
	}

	logger.Info("Starting subscription",
		zap.String("url", wsURL),
		zap.Strings("destinations", destinations),
		zap.String("ack", subscribeAck),
	)

	handler, async, err := buildPrintHandler(os.Stdout, logger, subscribeJq, subscribeAck, subscribeQueueSize)
	if err != nil {
		return err
	}
	defer async.Close()

	env, header, err := subscribeConn.clientEnv()
	if err != nil {
		return err
	}

	reconnector := stompws.NewAutoReconnector().
		WithLogger(logger).
		WithConnectHeader(header).
		Build()

	c, err := subscribeConn.newClient(cmd, wsURL, env, logger, reconnector)
	if err != nil {
		return err
	}

	if err := c.Connect(ctx, header); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	logger.Info("Connected", zap.String("url", wsURL))

	for _, destination := range destinations {
		id, err := c.Subscribe(ctx, destination, handler, stompws.WithAckMode(subscribeAck))
		if err != nil {
			logger.Error("Failed to subscribe", zap.String("destination", destination), zap.Error(err))
		} else {
			logger.Info("Subscribed", zap.String("destination", destination), zap.String("id", id))
		}
	}

	logger.Info("Listening for messages... (Press Ctrl+C to exit)")
	waitForSignal(ctx, logger)

	reconnector.SetEnabled(false)
	disconnect(c, logger)

	logger.Info("Shutdown complete")
	return nil
}

// buildPrintHandler returns the handler chain used by subscribe: optional
// jq filtering, debug logging, and printing from a background queue so a
// slow terminal does not hold up the connection.
func buildPrintHandler(out io.Writer, logger *zap.Logger, jq, ack string, queueSize int) (stompws.MessageHandler, *subutils.AsyncHandler, error) {
	var handler stompws.MessageHandler = func(ctx context.Context, msg stompws.Message) error {
		if _, err := fmt.Fprintf(out, "%s\t%s\n", msg.Destination(), msg.BodyString()); err != nil {
			return err
		}
		if ack != stompws.AckAuto {
			return msg.Ack(ctx, nil)
		}
		return nil
	}

	async := subutils.NewAsyncHandler(handler, queueSize).WithLogger(logger).Start()
	handler = async.Handle

	if jq != "" {
		var err error
		handler, err = subutils.JqHandler(jq, handler, logger)
		if err != nil {
			async.Close()
			return nil, nil, err
		}
	}

	return subutils.NewLoggingHandler(handler, logger, zap.DebugLevel), async, nil
}
