package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/broker"
	"github.com/tsarna/stompws/pkg/stompws/client"
	"github.com/tsarna/stompws/pkg/stompws/config"
	"github.com/tsarna/stompws/pkg/stompws/otel"
	"github.com/tsarna/stompws/pkg/stompws/subutils"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory STOMP over WebSocket broker",
	Long: `Run an in-memory STOMP over WebSocket broker.

Without --config a single broker is started on --listen and --path,
falling back to STOMPWS_LISTEN, STOMPWS_PATH and the other STOMPWS_*
broker variables.

With --config, HCL files or directories are loaded. Every broker block
is served on its own address, and every subscription block connects its
client and logs the messages it receives.

Examples:
  stompws serve
  stompws serve --listen :8080 --path /ws
  stompws serve --config ./stompws.hcl
  stompws serve --config ./configs/ --config extra.hcl`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen  string
	servePath    string
	serveConfigs []string
	serveGrace   time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default from STOMPWS_LISTEN or :61614)")
	serveCmd.Flags().StringVar(&servePath, "path", "", "HTTP path of the WebSocket endpoint (default from STOMPWS_PATH or /stomp)")
	serveCmd.Flags().StringArrayVarP(&serveConfigs, "config", "c", nil, "HCL configuration file or directory (repeatable)")
	serveCmd.Flags().DurationVar(&serveGrace, "shutdown-timeout", 10*time.Second, "time allowed for connections to close on shutdown")
}

type servedBroker struct {
	name     string
	listener *broker.Listener
	server   *http.Server
	netLn    net.Listener
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	metrics := otel.NewProvider("stompws", stompws.Version)

	var cfg *config.Config
	if len(serveConfigs) > 0 {
		cfg, err = buildServeConfig(logger, metrics, serveConfigs)
		if err != nil {
			return err
		}
	}

	var brokers []*servedBroker
	if cfg != nil && len(cfg.Brokers) > 0 {
		for name, bc := range cfg.Brokers {
			brokers = append(brokers, &servedBroker{
				name:     name,
				listener: bc.Listener,
				server:   &http.Server{Addr: bc.Listen, Handler: bc.Handler()},
			})
		}
	} else {
		sb, err := envBroker(cmd, logger, metrics)
		if err != nil {
			return err
		}
		brokers = append(brokers, sb)
	}

	for _, sb := range brokers {
		ln, err := net.Listen("tcp", sb.server.Addr)
		if err != nil {
			closeListeners(brokers)
			return fmt.Errorf("broker %s: failed to listen on %s: %w", sb.name, sb.server.Addr, err)
		}
		sb.netLn = ln
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, sb := range brokers {
		wg.Add(1)
		go func(sb *servedBroker) {
			defer wg.Done()
			logger.Info("Broker listening",
				zap.String("broker", sb.name),
				zap.String("address", sb.netLn.Addr().String()),
			)
			if err := sb.server.Serve(sb.netLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Broker server failed", zap.String("broker", sb.name), zap.Error(err))
				cancel()
			}
		}(sb)
	}

	var clients []*configuredClient
	if cfg != nil {
		clients = startSubscriptions(ctx, cfg, logger)
	}

	logger.Info("Serving... (Press Ctrl+C to exit)")
	waitForSignal(ctx, logger)

	for _, cc := range clients {
		cc.stop(logger)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveGrace)
	defer shutdownCancel()

	for _, sb := range brokers {
		if err := sb.listener.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Broker shutdown incomplete", zap.String("broker", sb.name), zap.Error(err))
		}
		if err := sb.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown incomplete", zap.String("broker", sb.name), zap.Error(err))
		}
	}
	wg.Wait()

	logger.Info("Shutdown complete")
	return nil
}

func buildServeConfig(logger *zap.Logger, metrics *otel.Provider, paths []string) (*config.Config, error) {
	sources := make([]any, len(paths))
	for i, p := range paths {
		sources[i] = p
	}

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithMetrics(metrics).
		WithSources(sources...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}
	return cfg, nil
}

// envBroker builds the single broker used when no configuration file
// defines one.
func envBroker(cmd *cobra.Command, logger *zap.Logger, metrics *otel.Provider) (*servedBroker, error) {
	env, err := config.LoadBrokerEnv()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		env.Listen = serveListen
	}
	if cmd.Flags().Changed("path") {
		env.Path = servePath
	}

	builder := broker.NewListener().
		WithLogger(logger.Named("broker")).
		WithMetrics(metrics)
	if err := env.Apply(builder); err != nil {
		return nil, err
	}

	listener, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(env.Path, listener.ServeWebsocket)

	return &servedBroker{
		name:     "default",
		listener: listener,
		server:   &http.Server{Addr: env.Listen, Handler: mux},
	}, nil
}

func closeListeners(brokers []*servedBroker) {
	for _, sb := range brokers {
		if sb.netLn != nil {
			sb.netLn.Close()
		}
	}
}

type configuredClient struct {
	name    string
	config  *config.ClientConfig
	client  *client.Client
	handler []*subutils.AsyncHandler
}

func (cc *configuredClient) stop(logger *zap.Logger) {
	if cc.config.Reconnector != nil {
		cc.config.Reconnector.SetEnabled(false)
	}
	disconnect(cc.client, logger)
	for _, h := range cc.handler {
		h.Close()
	}
}

// startSubscriptions connects every client named by a subscription block
// and subscribes it. Failures are logged; the broker keeps running.
func startSubscriptions(ctx context.Context, cfg *config.Config, logger *zap.Logger) []*configuredClient {
	clients := make(map[string]*configuredClient)
	var started []*configuredClient

	for _, sub := range cfg.Subscriptions {
		cc, ok := clients[sub.Client]
		if !ok {
			clientConfig := cfg.Clients[sub.Client]
			c, err := clientConfig.Build()
			if err != nil {
				logger.Error("Failed to create client", zap.String("client", sub.Client), zap.Error(err))
				continue
			}
			if err := c.Connect(ctx, clientConfig.ConnectHeader); err != nil {
				logger.Error("Failed to connect client", zap.String("client", sub.Client), zap.Error(err))
				continue
			}
			cc = &configuredClient{name: sub.Client, config: clientConfig, client: c}
			clients[sub.Client] = cc
			started = append(started, cc)
		}

		subLogger := logger.Named("subscription." + sub.Name)
		logged := subutils.NewNamedLoggingHandler(nil, subLogger, zap.InfoLevel, sub.Name)
		ackMode := stompws.NewSubscription(sub.Destination, nil, sub.Options...).AckMode
		async := subutils.NewAsyncHandler(func(ctx context.Context, msg stompws.Message) error {
			if err := logged.Handle(ctx, msg); err != nil {
				return err
			}
			if ackMode != stompws.AckAuto {
				return msg.Ack(ctx, nil)
			}
			return nil
		}, subutils.DefaultAsyncQueueSize).WithLogger(subLogger).Start()
		cc.handler = append(cc.handler, async)

		handler := stompws.MessageHandler(async.Handle)
		if sub.Jq != "" {
			var err error
			handler, err = subutils.JqHandler(sub.Jq, handler, subLogger)
			if err != nil {
				logger.Error("Invalid jq query", zap.String("subscription", sub.Name), zap.Error(err))
				continue
			}
		}

		id, err := cc.client.Subscribe(ctx, sub.Destination, handler, sub.Options...)
		if err != nil {
			logger.Error("Failed to subscribe",
				zap.String("subscription", sub.Name),
				zap.String("destination", sub.Destination),
				zap.Error(err),
			)
			continue
		}
		logger.Info("Subscribed",
			zap.String("subscription", sub.Name),
			zap.String("client", sub.Client),
			zap.String("destination", sub.Destination),
			zap.String("id", id),
		)
	}

	return started
}
