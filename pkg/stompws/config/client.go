package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/client"
)

type HeartBeatDefinition struct {
	Outgoing hcl.Expression `hcl:"outgoing,optional"`
	Incoming hcl.Expression `hcl:"incoming,optional"`
}

type ReconnectDefinition struct {
	Enabled       *bool          `hcl:"enabled,optional"`
	InitialDelay  hcl.Expression `hcl:"initial_delay,optional"`
	MaxDelay      hcl.Expression `hcl:"max_delay,optional"`
	BackoffFactor *float64       `hcl:"backoff_factor,optional"`
	MaxRetries    *int           `hcl:"max_retries,optional"`
}

type ClientDefinition struct {
	URL            string               `hcl:"url"`
	AuthToken      string               `hcl:"auth_token,optional"`
	DialTimeout    hcl.Expression       `hcl:"dial_timeout,optional"`
	ConnectTimeout hcl.Expression       `hcl:"connect_timeout,optional"`
	Receipts       *bool                `hcl:"receipts,optional"`
	WriteQueueSize *int                 `hcl:"write_queue_size,optional"`
	ReadLimit      *int64               `hcl:"read_limit,optional"`
	Headers        map[string]string    `hcl:"headers,optional"`
	ConnectHeaders map[string]string    `hcl:"connect_headers,optional"`
	HeartBeat      *HeartBeatDefinition `hcl:"heartbeat,block"`
	Reconnect      *ReconnectDefinition `hcl:"reconnect,block"`
}

// ClientConfig is a configured, not yet built, client.
type ClientConfig struct {
	Name          string
	Builder       *client.ClientBuilder
	ConnectHeader stompws.Header
	Reconnector   *stompws.AutoReconnector
	DefRange      hcl.Range
}

// Build creates the client. monitors receive events alongside the
// reconnector, if one is configured.
func (cc *ClientConfig) Build(monitors ...stompws.ClientMonitor) (*client.Client, error) {
	var all stompws.MultiMonitor
	if cc.Reconnector != nil {
		all = append(all, cc.Reconnector)
	}
	all = append(all, monitors...)

	switch len(all) {
	case 0:
	case 1:
		cc.Builder.WithMonitor(all[0])
	default:
		cc.Builder.WithMonitor(all)
	}

	return cc.Builder.Build()
}

type ClientBlockHandler struct {
	BlockHandlerBase
}

func NewClientBlockHandler() *ClientBlockHandler {
	return &ClientBlockHandler{}
}

func (h *ClientBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]

	if existing, ok := config.Clients[name]; ok {
		return hcl.Diagnostics{
			&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Client already defined",
				Detail:   fmt.Sprintf("Client %s already defined at %s", name, existing.DefRange),
				Subject:  &block.DefRange,
			},
		}
	}

	def := ClientDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	builder := client.NewClient().
		WithURL(def.URL).
		WithAuthToken(def.AuthToken).
		WithLogger(config.Logger.Named("client." + name))
	if config.Metrics != nil {
		builder.WithMetrics(config.Metrics)
	}

	diags = diags.Extend(config.parseOptionalDuration(def.DialTimeout, func(d time.Duration) { builder.WithDialTimeout(d) }))
	diags = diags.Extend(config.parseOptionalDuration(def.ConnectTimeout, func(d time.Duration) { builder.WithConnectTimeout(d) }))

	if def.Receipts != nil {
		builder.WithReceipts(*def.Receipts)
	}
	if def.WriteQueueSize != nil {
		builder.WithWriteChannelSize(*def.WriteQueueSize)
	}
	if def.ReadLimit != nil {
		builder.WithReadLimit(*def.ReadLimit)
	}
	for key, value := range def.Headers {
		builder.WithHeader(key, value)
	}

	if def.HeartBeat != nil {
		hb, hbDiags := config.parseHeartBeat(def.HeartBeat, client.DefaultHeartBeat)
		diags = diags.Extend(hbDiags)
		builder.WithHeartBeat(hb.Outgoing, hb.Incoming)
	}

	var reconnector *stompws.AutoReconnector
	if def.Reconnect != nil {
		var reconnectDiags hcl.Diagnostics
		reconnector, reconnectDiags = config.buildReconnector(name, def.Reconnect, def.ConnectHeaders)
		diags = diags.Extend(reconnectDiags)
	}

	if diags.HasErrors() {
		return diags
	}

	if err := builder.IsValid(); err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid client",
			Detail:   fmt.Sprintf("Client %s: %s", name, err),
			Subject:  &block.DefRange,
		})
	}

	config.Clients[name] = &ClientConfig{
		Name:          name,
		Builder:       builder,
		ConnectHeader: stompws.Header(def.ConnectHeaders),
		Reconnector:   reconnector,
		DefRange:      block.DefRange,
	}

	return diags
}

func (c *Config) parseHeartBeat(def *HeartBeatDefinition, fallback time.Duration) (stompws.HeartBeat, hcl.Diagnostics) {
	hb := stompws.HeartBeat{Outgoing: fallback, Incoming: fallback}

	diags := c.parseOptionalDuration(def.Outgoing, func(d time.Duration) { hb.Outgoing = d })
	diags = diags.Extend(c.parseOptionalDuration(def.Incoming, func(d time.Duration) { hb.Incoming = d }))

	return hb, diags
}

func (c *Config) buildReconnector(name string, def *ReconnectDefinition, connectHeader map[string]string) (*stompws.AutoReconnector, hcl.Diagnostics) {
	b := stompws.NewAutoReconnector().
		WithLogger(c.Logger.Named("client." + name + ".reconnect")).
		WithConnectHeader(stompws.Header(connectHeader))

	diags := c.parseOptionalDuration(def.InitialDelay, func(d time.Duration) { b.WithInitialDelay(d) })
	diags = diags.Extend(c.parseOptionalDuration(def.MaxDelay, func(d time.Duration) { b.WithMaxDelay(d) }))

	if def.Enabled != nil {
		b.WithEnabled(*def.Enabled)
	}
	if def.BackoffFactor != nil {
		b.WithBackoffFactor(*def.BackoffFactor)
	}
	if def.MaxRetries != nil {
		b.WithMaxRetries(*def.MaxRetries)
	}

	return b.Build(), diags
}
