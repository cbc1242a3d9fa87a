package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/tsarna/stompws/pkg/stompws"
	"go.uber.org/zap"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <websocket-url> <destination> <body>",
	Short: "Send a message to a destination",
	Long: `Send a message to a destination on a STOMP over WebSocket broker.

The first argument is the WebSocket URL to connect to.
The second argument is the destination to send to.
The third argument is the message body.

With --every the message is sent repeatedly on a cron schedule until
the command is interrupted. Schedules take an optional seconds field
and descriptors such as @every 10s or @hourly.

Examples:
  stompws send ws://localhost:61614/stomp /topic/sensors/1/temperature 25.5
  stompws send --content-type application/json ws://localhost:61614/stomp /topic/login '{"user":"alice"}'
  stompws send --header priority=9 ws://localhost:61614/stomp /queue/jobs run
  stompws send --every "*/5 * * * * *" ws://localhost:61614/stomp /topic/ping ping`,
	Args: cobra.ExactArgs(3),
	RunE: runSend,
}

var (
	sendConn        connectionFlags
	sendContentType string
	sendHeaders     map[string]string
	sendEvery       string
	sendTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendConn.register(sendCmd)
	sendCmd.Flags().StringVar(&sendContentType, "content-type", stompws.ContentTypeText, "content-type header")
	sendCmd.Flags().StringToStringVarP(&sendHeaders, "header", "H", nil, "additional header as key=value (repeatable)")
	sendCmd.Flags().StringVar(&sendEvery, "every", "", "cron schedule for repeated sends")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "timeout for each send")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]
	destination := args[1]
	body := args[2]

	header := stompws.Header(sendHeaders).Clone()
	header[stompws.HeaderContentType] = sendContentType

	var schedule *cron.Cron
	if sendEvery != "" {
		if _, err := newCronParser().Parse(sendEvery); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", sendEvery, err)
		}
		schedule = cron.New(
			cron.WithParser(newCronParser()),
			cron.WithLogger(&zapCronLogger{logger: logger}),
		)
	}

	logger.Info("Sending message",
		zap.String("url", wsURL),
		zap.String("destination", destination),
		zap.String("body", body),
		zap.String("every", sendEvery),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, connectHeader, err := sendConn.clientEnv()
	if err != nil {
		return err
	}

	var monitor stompws.ClientMonitor
	var reconnector *stompws.AutoReconnector
	if schedule != nil {
		reconnector = stompws.NewAutoReconnector().
			WithLogger(logger).
			WithConnectHeader(connectHeader).
			Build()
		monitor = reconnector
	}

	c, err := sendConn.newClient(cmd, wsURL, env, logger, monitor)
	if err != nil {
		return err
	}

	cctx, ccancel := context.WithTimeout(ctx, sendTimeout)
	err = c.Connect(cctx, connectHeader)
	ccancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer disconnect(c, logger)

	send := func() error {
		sctx, scancel := context.WithTimeout(ctx, sendTimeout)
		defer scancel()
		return c.SendString(sctx, destination, body, header)
	}

	if schedule == nil {
		if err := send(); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		logger.Info("Message sent", zap.String("destination", destination))
		return nil
	}

	if _, err := schedule.AddFunc(sendEvery, func() {
		if err := send(); err != nil {
			logger.Error("Failed to send message", zap.String("destination", destination), zap.Error(err))
			return
		}
		logger.Debug("Message sent", zap.String("destination", destination))
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", sendEvery, err)
	}

	schedule.Start()
	logger.Info("Sending on schedule... (Press Ctrl+C to exit)", zap.String("every", sendEvery))
	waitForSignal(ctx, logger)

	reconnector.SetEnabled(false)
	<-schedule.Stop().Done()
	return nil
}

func newCronParser() cron.Parser {
	return cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
}
