// Package config builds stompws clients, brokers and subscriptions from
// HCL configuration files.
package config

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/stompws/pkg/stompws/o11y"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	metrics o11y.MetricsProvider
	sources []any
}

type Config struct {
	Logger    *zap.Logger
	Metrics   o11y.MetricsProvider
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Clients       map[string]*ClientConfig
	Brokers       map[string]*BrokerConfig
	Subscriptions []*SubscriptionConfig
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithMetrics sets the provider that configured clients and brokers
// report to.
func (cb *ConfigBuilder) WithMetrics(provider o11y.MetricsProvider) *ConfigBuilder {
	cb.metrics = provider
	return cb
}

// WithSources adds files, directories, []byte or fs.FS values to read.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:    cb.logger,
		Metrics:   cb.metrics,
		Functions: GetStandardLibraryFunctions(),
		Constants: make(map[string]cty.Value),
		Clients:   make(map[string]*ClientConfig),
		Brokers:   make(map[string]*BrokerConfig),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	blockHandlers := GetBlockHandlers()

	for _, block := range blocks {
		if handler, ok := blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Preprocess(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range blockHandlers {
		diags = diags.Extend(handler.FinishPreprocessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return processingOrder[blocks[i].Type] < processingOrder[blocks[j].Type]
	})

	for _, block := range blocks {
		if handler, ok := blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("clients", len(config.Clients)),
		zap.Int("brokers", len(config.Brokers)),
		zap.Int("subscriptions", len(config.Subscriptions)),
	)

	return config, diags
}

// EvalContext returns the context configuration expressions are evaluated in.
func (c *Config) EvalContext() *hcl.EvalContext {
	return c.evalCtx
}

func GetBlocks(bodies []hcl.Body) (hcl.Blocks, hcl.Diagnostics) {
	diags := hcl.Diagnostics{}

	var blocks hcl.Blocks

	for _, body := range bodies {
		content, contentDiags := body.Content(configSchema)
		diags = diags.Extend(contentDiags)

		if content != nil {
			blocks = append(blocks, content.Blocks...)
		}
	}

	return blocks, diags
}
