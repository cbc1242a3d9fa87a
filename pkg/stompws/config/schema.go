package config

import (
	"github.com/hashicorp/hcl/v2"
)

var blockSchema = []hcl.BlockHeaderSchema{
	{
		Type:       "broker",
		LabelNames: []string{"name"},
	},
	{
		Type:       "client",
		LabelNames: []string{"name"},
	},
	{
		Type:       "const",
		LabelNames: []string{},
	},
	{
		Type:       "subscription",
		LabelNames: []string{"name"},
	},
}

var configSchema = &hcl.BodySchema{
	Blocks: blockSchema,
}

// Blocks are processed in this order so that later blocks can refer to
// what earlier ones declared.
var processingOrder = map[string]int{
	"const":        0,
	"client":       1,
	"broker":       2,
	"subscription": 3,
}
