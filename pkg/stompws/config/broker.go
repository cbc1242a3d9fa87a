package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/stompws/pkg/stompws/broker"
)

const DefaultBrokerPath = "/stomp"

type BrokerDefinition struct {
	Listen            string               `hcl:"listen"`
	Path              *string              `hcl:"path,optional"`
	QueueSize         *int                 `hcl:"queue_size,optional"`
	ConnectTimeout    hcl.Expression       `hcl:"connect_timeout,optional"`
	WriteTimeout      hcl.Expression       `hcl:"write_timeout,optional"`
	ReadLimit         *int64               `hcl:"read_limit,optional"`
	BearerTokens      []string             `hcl:"bearer_tokens,optional"`
	Logins            map[string]string    `hcl:"logins,optional"`
	AllowDestinations []string             `hcl:"allow_destinations,optional"`
	ReadOnly          *bool                `hcl:"read_only,optional"`
	HeartBeat         *HeartBeatDefinition `hcl:"heartbeat,block"`
}

// BrokerConfig is a configured broker listener and where to serve it.
type BrokerConfig struct {
	Name     string
	Listen   string
	Path     string
	Listener *broker.Listener
	DefRange hcl.Range
}

// Handler serves the broker on its configured path.
func (bc *BrokerConfig) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(bc.Path, bc.Listener.ServeWebsocket)
	return mux
}

type BrokerBlockHandler struct {
	BlockHandlerBase
}

func NewBrokerBlockHandler() *BrokerBlockHandler {
	return &BrokerBlockHandler{}
}

func (h *BrokerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]

	if existing, ok := config.Brokers[name]; ok {
		return hcl.Diagnostics{
			&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Broker already defined",
				Detail:   fmt.Sprintf("Broker %s already defined at %s", name, existing.DefRange),
				Subject:  &block.DefRange,
			},
		}
	}

	def := BrokerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	path := DefaultBrokerPath
	if def.Path != nil {
		path = *def.Path
	}

	builder := broker.NewListener().WithLogger(config.Logger.Named("broker." + name))
	if config.Metrics != nil {
		builder.WithMetrics(config.Metrics)
	}

	diags = diags.Extend(config.parseOptionalDuration(def.ConnectTimeout, func(d time.Duration) { builder.WithConnectTimeout(d) }))
	diags = diags.Extend(config.parseOptionalDuration(def.WriteTimeout, func(d time.Duration) { builder.WithWriteTimeout(d) }))

	if def.QueueSize != nil {
		builder.WithQueueSize(*def.QueueSize)
	}
	if def.ReadLimit != nil {
		builder.WithReadLimit(*def.ReadLimit)
	}

	if def.HeartBeat != nil {
		hb, hbDiags := config.parseHeartBeat(def.HeartBeat, broker.DefaultHeartBeat)
		diags = diags.Extend(hbDiags)
		builder.WithHeartBeat(hb.Outgoing, hb.Incoming)
	}

	var authenticators []broker.Authenticator
	if len(def.BearerTokens) > 0 {
		authenticators = append(authenticators, broker.BearerTokens(def.BearerTokens...))
	}
	if len(def.Logins) > 0 {
		authenticators = append(authenticators, broker.LoginPasscode(def.Logins))
	}
	if len(authenticators) > 0 {
		builder.WithAuthenticator(broker.AnyAuthenticator(authenticators...))
	}

	var authorizers []broker.Authorizer
	if def.ReadOnly != nil && *def.ReadOnly {
		authorizers = append(authorizers, broker.ReadOnly)
	}
	if len(def.AllowDestinations) > 0 {
		authorizers = append(authorizers, broker.AllowDestinationPattern(def.AllowDestinations...))
	}
	if len(authorizers) > 0 {
		builder.WithAuthorizer(broker.AllAuthorizers(authorizers...))
	}

	if diags.HasErrors() {
		return diags
	}

	listener, err := builder.Build()
	if err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid broker",
			Detail:   fmt.Sprintf("Broker %s: %s", name, err),
			Subject:  &block.DefRange,
		})
	}

	config.Brokers[name] = &BrokerConfig{
		Name:     name,
		Listen:   def.Listen,
		Path:     path,
		Listener: listener,
		DefRange: block.DefRange,
	}

	return diags
}
