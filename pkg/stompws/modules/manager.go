package modules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrModuleNotRegistered = errors.New("module not registered")
	ErrModuleExists        = errors.New("module already registered")
)

// DefaultExternal lists the host-provided modules the built-in descriptors
// depend on.
var DefaultExternal = []string{"CoreUObject", "Engine", "Slate", "SlateCore"}

// Module is the runtime side of a descriptor.
type Module interface {
	Name() string
	// Startup runs once, after every dependency has started. It may load
	// further modules through m.
	Startup(ctx context.Context, m *Manager) error
	Shutdown(ctx context.Context) error
}

// Referencer is implemented by modules that use other modules at runtime.
// Every referenced module must be declared in the module's descriptor.
type Referencer interface {
	References() []string
}

type moduleState struct {
	done chan struct{}
	err  error
}

// Manager loads registered modules in descriptor dependency order.
type Manager struct {
	logger   *zap.Logger
	rules    map[string]*Rules
	external []string

	mu      sync.Mutex
	modules map[string]Module
	states  map[string]*moduleState
	loaded  []string
}

// ManagerBuilder provides a fluent interface for building a Manager.
type ManagerBuilder struct {
	logger   *zap.Logger
	rules    map[string]*Rules
	external []string
}

func NewManager(rules map[string]*Rules) *ManagerBuilder {
	return &ManagerBuilder{
		logger: zap.NewNop(),
		rules:  rules,
	}
}

func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithExternal marks modules as provided by the host. They are always
// considered loaded.
func (b *ManagerBuilder) WithExternal(names ...string) *ManagerBuilder {
	b.external = append(b.external, names...)
	return b
}

// Build checks the whole descriptor graph and returns the manager.
func (b *ManagerBuilder) Build() (*Manager, error) {
	if len(b.rules) == 0 {
		return nil, fmt.Errorf("no module descriptors")
	}

	if _, err := Order(b.rules, b.external...); err != nil {
		return nil, err
	}

	return &Manager{
		logger:   b.logger,
		rules:    b.rules,
		external: slices.Clone(b.external),
		modules:  make(map[string]Module),
		states:   make(map[string]*moduleState),
	}, nil
}

// Register adds a module implementation. Its name must be declared by a
// descriptor.
func (m *Manager) Register(mod Module) error {
	name := mod.Name()
	if _, ok := m.rules[name]; !ok {
		return fmt.Errorf("no descriptor for module %s", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	m.modules[name] = mod
	return nil
}

// Rules returns the descriptor of a module.
func (m *Manager) Rules(name string) (*Rules, bool) {
	r, ok := m.rules[name]
	return r, ok
}

// LoadModule starts name and all of its dependencies that are not yet
// running. Host-provided modules return a nil Module.
func (m *Manager) LoadModule(ctx context.Context, name string) (Module, error) {
	order, err := LoadOrder(m.rules, name, m.external...)
	if err != nil {
		return nil, err
	}

	for _, dep := range order {
		if err := m.load(ctx, dep); err != nil {
			return nil, err
		}
	}

	mod, _ := m.Module(name)
	return mod, nil
}

// LoadModuleChecked is LoadModule for modules that must be present. It
// panics if the module cannot be loaded.
func (m *Manager) LoadModuleChecked(ctx context.Context, name string) Module {
	mod, err := m.LoadModule(ctx, name)
	if err != nil {
		panic(fmt.Sprintf("failed to load required module %s: %v", name, err))
	}
	return mod
}

func (m *Manager) load(ctx context.Context, name string) error {
	m.mu.Lock()
	if st, ok := m.states[name]; ok {
		m.mu.Unlock()
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	mod, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, name)
	}

	st := &moduleState{done: make(chan struct{})}
	m.states[name] = st
	m.mu.Unlock()

	defer close(st.done)

	if ref, ok := mod.(Referencer); ok {
		if err := m.rules[name].CheckReferences(ref.References()); err != nil {
			st.err = err
			m.forget(name)
			return err
		}
	}

	m.logger.Debug("Starting module", zap.String("module", name))

	if err := mod.Startup(ctx, m); err != nil {
		st.err = fmt.Errorf("failed to start module %s: %w", name, err)
		m.forget(name)
		m.logger.Error("Module failed to start", zap.String("module", name), zap.Error(err))
		return st.err
	}

	m.mu.Lock()
	m.loaded = append(m.loaded, name)
	m.mu.Unlock()

	m.logger.Info("Module started", zap.String("module", name))
	return nil
}

// forget drops a failed load so it can be retried.
func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
}

// IsLoaded reports whether a module has started. Host-provided modules are
// always loaded.
func (m *Manager) IsLoaded(name string) bool {
	if slices.Contains(m.external, name) {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.loaded, name)
}

// Module returns a started module.
func (m *Manager) Module(name string) (Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.loaded, name) {
		return nil, false
	}
	return m.modules[name], true
}

// Loaded returns the started modules in the order they started.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.loaded)
}

// ShutdownAll stops every started module in reverse start order.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	loaded := make([]Module, len(m.loaded))
	for i, name := range m.loaded {
		loaded[i] = m.modules[name]
	}
	m.loaded = nil
	m.states = make(map[string]*moduleState)
	m.mu.Unlock()

	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		name := loaded[i].Name()
		if err := loaded[i].Shutdown(ctx); err != nil {
			m.logger.Error("Module failed to shut down", zap.String("module", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("module %s: %w", name, err))
			continue
		}
		m.logger.Debug("Module stopped", zap.String("module", name))
	}

	return errors.Join(errs...)
}
