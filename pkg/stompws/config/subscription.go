package config

import (
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/itchyny/gojq"
	"github.com/tsarna/stompws/pkg/stompws"
)

type SubscriptionDefinition struct {
	Client      string            `hcl:"client"`
	Destination string            `hcl:"destination"`
	ID          *string           `hcl:"id,optional"`
	Ack         *string           `hcl:"ack,optional"`
	Headers     map[string]string `hcl:"headers,optional"`
	Jq          *string           `hcl:"jq,optional"`
}

// SubscriptionConfig is a subscription to make once its client connects.
type SubscriptionConfig struct {
	Name        string
	Client      string
	Destination string
	Options     []stompws.SubscribeOption
	Jq          string
	DefRange    hcl.Range
}

type SubscriptionBlockHandler struct {
	BlockHandlerBase
	names map[string]hcl.Range
}

func NewSubscriptionBlockHandler() *SubscriptionBlockHandler {
	return &SubscriptionBlockHandler{names: make(map[string]hcl.Range)}
}

func (h *SubscriptionBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]

	if existing, ok := h.names[name]; ok {
		return hcl.Diagnostics{
			&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Subscription already defined",
				Detail:   fmt.Sprintf("Subscription %s already defined at %s", name, existing),
				Subject:  &block.DefRange,
			},
		}
	}
	h.names[name] = block.DefRange

	def := SubscriptionDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	invalid := func(detail string) hcl.Diagnostics {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid subscription",
			Detail:   fmt.Sprintf("Subscription %s: %s", name, detail),
			Subject:  &block.DefRange,
		})
	}

	if _, ok := config.Clients[def.Client]; !ok {
		return invalid(fmt.Sprintf("client %s is not defined", def.Client))
	}
	if def.Destination == "" {
		return invalid("destination must not be empty")
	}

	var opts []stompws.SubscribeOption
	if def.ID != nil {
		opts = append(opts, stompws.WithSubscriptionID(*def.ID))
	}
	if def.Ack != nil {
		if !slices.Contains([]string{stompws.AckAuto, stompws.AckClient, stompws.AckClientIndividual}, *def.Ack) {
			return invalid(fmt.Sprintf("invalid ack mode %q", *def.Ack))
		}
		opts = append(opts, stompws.WithAckMode(*def.Ack))
	}
	for key, value := range def.Headers {
		opts = append(opts, stompws.WithSubscribeHeader(key, value))
	}

	sub := &SubscriptionConfig{
		Name:        name,
		Client:      def.Client,
		Destination: def.Destination,
		Options:     opts,
		DefRange:    block.DefRange,
	}

	if def.Jq != nil {
		if _, err := gojq.Parse(*def.Jq); err != nil {
			return invalid(fmt.Sprintf("invalid jq query: %s", err))
		}
		sub.Jq = *def.Jq
	}

	config.Subscriptions = append(config.Subscriptions, sub)
	return diags
}
