package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/stompws/pkg/stompws/client"
	"go.uber.org/zap"
)

// Names of the built-in modules.
const (
	ModuleCore            = "Core"
	ModuleWebSockets      = "WebSockets"
	ModuleStomp           = "Stomp"
	ModuleSTOMPWebSockets = "STOMPWebSockets"
)

// NewDefaultManager returns a manager with the built-in descriptors and
// modules registered and nothing loaded.
func NewDefaultManager(logger *zap.Logger) (*Manager, error) {
	m, err := NewManager(DefaultRules()).
		WithLogger(logger).
		WithExternal(DefaultExternal...).
		Build()
	if err != nil {
		return nil, err
	}

	for _, mod := range []Module{
		&CoreModule{},
		NewWebSocketsModule(),
		NewStompModule(logger),
		&STOMPWebSocketsModule{},
	} {
		if err := m.Register(mod); err != nil {
			return nil, err
		}
	}

	return m, nil
}

type CoreModule struct{}

func (*CoreModule) Name() string                                  { return ModuleCore }
func (*CoreModule) Startup(ctx context.Context, m *Manager) error { return nil }
func (*CoreModule) Shutdown(ctx context.Context) error            { return nil }

// WebSocketsModule holds transport settings shared by every client the
// Stomp module creates.
type WebSocketsModule struct {
	DialTimeout time.Duration
	ReadLimit   int64
	Headers     map[string][]string
}

func NewWebSocketsModule() *WebSocketsModule {
	return &WebSocketsModule{
		DialTimeout: client.DefaultDialTimeout,
		ReadLimit:   client.DefaultReadLimit,
	}
}

func (*WebSocketsModule) Name() string { return ModuleWebSockets }

func (w *WebSocketsModule) Startup(ctx context.Context, m *Manager) error {
	if w.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if w.ReadLimit <= 0 {
		return fmt.Errorf("read limit must be positive")
	}
	return nil
}

func (*WebSocketsModule) Shutdown(ctx context.Context) error { return nil }

// ClientOption adjusts a client before it is built.
type ClientOption func(*client.ClientBuilder)

// StompModule creates STOMP clients over the WebSockets transport and
// disconnects them on shutdown.
type StompModule struct {
	logger    *zap.Logger
	transport *WebSocketsModule

	mu      sync.Mutex
	clients []*client.Client
}

func NewStompModule(logger *zap.Logger) *StompModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StompModule{logger: logger}
}

func (*StompModule) Name() string { return ModuleStomp }

func (*StompModule) References() []string { return []string{ModuleWebSockets} }

func (s *StompModule) Startup(ctx context.Context, m *Manager) error {
	mod, ok := m.Module(ModuleWebSockets)
	if !ok {
		return fmt.Errorf("%s is not loaded", ModuleWebSockets)
	}
	transport, ok := mod.(*WebSocketsModule)
	if !ok {
		return fmt.Errorf("unexpected %s module type %T", ModuleWebSockets, mod)
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	return nil
}

// CreateClient builds a client for url. The client is not connected.
func (s *StompModule) CreateClient(url, authToken string, opts ...ClientOption) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return nil, fmt.Errorf("%s module is not started", ModuleStomp)
	}

	b := client.NewClient().
		WithURL(url).
		WithAuthToken(authToken).
		WithLogger(s.logger).
		WithDialTimeout(s.transport.DialTimeout).
		WithReadLimit(s.transport.ReadLimit).
		WithHeaders(s.transport.Headers)

	for _, opt := range opts {
		opt(b)
	}

	c, err := b.Build()
	if err != nil {
		return nil, err
	}

	s.clients = append(s.clients, c)
	return c, nil
}

func (s *StompModule) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.transport = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Disconnect(ctx, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// STOMPWebSocketsModule is the entry point for hosts: starting it brings
// up the protocol layer and the transport beneath it.
type STOMPWebSocketsModule struct {
	stomp *StompModule
}

func (*STOMPWebSocketsModule) Name() string { return ModuleSTOMPWebSockets }

func (*STOMPWebSocketsModule) References() []string { return []string{ModuleStomp} }

func (g *STOMPWebSocketsModule) Startup(ctx context.Context, m *Manager) error {
	mod := m.LoadModuleChecked(ctx, ModuleStomp)
	stomp, ok := mod.(*StompModule)
	if !ok {
		return fmt.Errorf("unexpected %s module type %T", ModuleStomp, mod)
	}
	g.stomp = stomp
	return nil
}

func (g *STOMPWebSocketsModule) Shutdown(ctx context.Context) error {
	g.stomp = nil
	return nil
}

// Stomp returns the protocol module, or nil before startup.
func (g *STOMPWebSocketsModule) Stomp() *StompModule {
	return g.stomp
}

// CreateClient is a shortcut for Stomp().CreateClient.
func (g *STOMPWebSocketsModule) CreateClient(url, authToken string, opts ...ClientOption) (*client.Client, error) {
	if g.stomp == nil {
		return nil, fmt.Errorf("%s module is not started", ModuleSTOMPWebSockets)
	}
	return g.stomp.CreateClient(url, authToken, opts...)
}
