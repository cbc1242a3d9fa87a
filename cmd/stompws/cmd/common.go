package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/client"
	"github.com/tsarna/stompws/pkg/stompws/config"
	"go.uber.org/zap"
)

type connectionFlags struct {
	authToken   string
	dialTimeout time.Duration
	login       string
	passcode    string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.authToken, "token", "", "bearer token sent in the WebSocket handshake")
	cmd.Flags().DurationVar(&f.dialTimeout, "dial-timeout", client.DefaultDialTimeout, "WebSocket dial timeout")
	cmd.Flags().StringVar(&f.login, "login", "", "STOMP login header")
	cmd.Flags().StringVar(&f.passcode, "passcode", "", "STOMP passcode header")
}

// clientEnv loads the STOMPWS_* client environment and returns it with the
// CONNECT headers to use, flags taking precedence.
func (f *connectionFlags) clientEnv() (config.ClientEnv, stompws.Header, error) {
	env, err := config.LoadClientEnv()
	if err != nil {
		return config.ClientEnv{}, nil, err
	}

	header := env.ConnectHeader()
	if f.login != "" {
		header[stompws.HeaderLogin] = f.login
	}
	if f.passcode != "" {
		header[stompws.HeaderPasscode] = f.passcode
	}
	return env, header, nil
}

// newClient builds a client for url. Environment settings are applied
// first and explicitly set flags override them.
func (f *connectionFlags) newClient(cmd *cobra.Command, url string, env config.ClientEnv, logger *zap.Logger, monitor stompws.ClientMonitor) (*client.Client, error) {
	builder := client.NewClient().WithLogger(logger)
	if err := env.Apply(builder); err != nil {
		return nil, err
	}

	builder.WithURL(url)
	if cmd.Flags().Changed("token") {
		builder.WithAuthToken(f.authToken)
	}
	if cmd.Flags().Changed("dial-timeout") {
		builder.WithDialTimeout(f.dialTimeout)
	}
	if monitor != nil {
		builder.WithMonitor(monitor)
	}

	c, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create STOMP client: %w", err)
	}
	return c, nil
}

// waitForSignal blocks until SIGINT or SIGTERM arrives or ctx is done.
func waitForSignal(ctx context.Context, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	}
}

func disconnect(c *client.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Disconnect(ctx, nil); err != nil {
		logger.Warn("Error during client disconnect", zap.Error(err))
	}
}
