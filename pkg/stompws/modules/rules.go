// Package modules describes the stompws module graph and loads modules in
// dependency order.
//
// A module is declared by a descriptor block:
//
//	module "STOMPWebSockets" {
//	  public_dependencies  = ["Core", "Stomp", "WebSockets"]
//	  private_dependencies = ["CoreUObject", "Engine", "Slate", "SlateCore", "Stomp", "WebSockets"]
//	}
//
// Descriptors are HCL and are read from files, directories of
// *.module.hcl files, byte slices or file systems.
package modules

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// PCH usage modes accepted by pch_usage.
const (
	PCHDefault                 = "Default"
	PCHUseExplicitOrSharedPCHs = "UseExplicitOrSharedPCHs"
	PCHUseSharedPCHs           = "UseSharedPCHs"
	PCHNoSharedPCHs            = "NoSharedPCHs"
	PCHNoPCHs                  = "NoPCHs"
)

var pchUsages = []string{
	PCHDefault,
	PCHUseExplicitOrSharedPCHs,
	PCHUseSharedPCHs,
	PCHNoSharedPCHs,
	PCHNoPCHs,
}

// Rules is the build descriptor of one module.
type Rules struct {
	Name                string   `hcl:"name,label"`
	PCHUsage            string   `hcl:"pch_usage,optional"`
	PublicIncludePaths  []string `hcl:"public_include_paths,optional"`
	PrivateIncludePaths []string `hcl:"private_include_paths,optional"`
	PublicDependencies  []string `hcl:"public_dependencies,optional"`
	PrivateDependencies []string `hcl:"private_dependencies,optional"`
	DynamicallyLoaded   []string `hcl:"dynamically_loaded,optional"`

	DefRange hcl.Range `hcl:",def_range"`
}

// Dependencies returns the public and private dependencies, public first,
// each named once.
func (r *Rules) Dependencies() []string {
	seen := make(map[string]bool, len(r.PublicDependencies)+len(r.PrivateDependencies))
	deps := make([]string, 0, len(r.PublicDependencies)+len(r.PrivateDependencies))

	for _, list := range [][]string{r.PublicDependencies, r.PrivateDependencies} {
		for _, dep := range list {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}

	return deps
}

// DependsOn reports whether name is a public or private dependency.
func (r *Rules) DependsOn(name string) bool {
	return slices.Contains(r.PublicDependencies, name) || slices.Contains(r.PrivateDependencies, name)
}

// CheckReferences returns an error naming every module in referenced that
// the descriptor does not declare as a dependency.
func (r *Rules) CheckReferences(referenced []string) error {
	var missing []string
	for _, name := range referenced {
		if !r.DependsOn(name) && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)
	return fmt.Errorf("module %s references undeclared modules: %s", r.Name, strings.Join(missing, ", "))
}

func (r *Rules) validate() hcl.Diagnostics {
	var diags hcl.Diagnostics

	if r.PCHUsage == "" {
		r.PCHUsage = PCHUseExplicitOrSharedPCHs
	} else if !slices.Contains(pchUsages, r.PCHUsage) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid pch_usage",
			Detail:   fmt.Sprintf("Module %s: pch_usage must be one of %s, got %q", r.Name, strings.Join(pchUsages, ", "), r.PCHUsage),
			Subject:  &r.DefRange,
		})
	}

	lists := map[string][]string{
		"public_dependencies":  r.PublicDependencies,
		"private_dependencies": r.PrivateDependencies,
		"dynamically_loaded":   r.DynamicallyLoaded,
	}

	for attr, names := range lists {
		for _, name := range names {
			switch name {
			case "":
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Empty module name",
					Detail:   fmt.Sprintf("Module %s: %s contains an empty module name", r.Name, attr),
					Subject:  &r.DefRange,
				})
			case r.Name:
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Module depends on itself",
					Detail:   fmt.Sprintf("Module %s lists itself in %s", r.Name, attr),
					Subject:  &r.DefRange,
				})
			}
		}
	}

	return diags
}
