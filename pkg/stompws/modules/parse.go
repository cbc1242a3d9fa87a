package modules

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// DescriptorSuffix marks descriptor files inside directories and file systems.
const DescriptorSuffix = ".module.hcl"

//go:embed builtin/*.module.hcl
var builtinFS embed.FS

type descriptorFile struct {
	Modules []*Rules `hcl:"module,block"`
}

// DefaultRules returns the descriptors shipped with stompws.
func DefaultRules() map[string]*Rules {
	rules, diags := ParseRules(builtinFS)
	if diags.HasErrors() {
		panic(fmt.Sprintf("invalid built-in module descriptors: %s", diags.Error()))
	}
	return rules
}

// ParseRules parses descriptors from each source. A source may be a path
// to a file or directory, a []byte of HCL or an fs.FS. A module declared
// twice is an error.
func ParseRules(sources ...any) (map[string]*Rules, hcl.Diagnostics) {
	bodies, diags := parseSources(sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	rules := make(map[string]*Rules)

	for _, body := range bodies {
		var file descriptorFile
		decodeDiags := gohcl.DecodeBody(body, nil, &file)
		diags = diags.Extend(decodeDiags)
		if decodeDiags.HasErrors() {
			continue
		}

		for _, r := range file.Modules {
			if prev, exists := rules[r.Name]; exists {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate module",
					Detail:   fmt.Sprintf("Module %s is already declared at %s", r.Name, prev.DefRange),
					Subject:  &r.DefRange,
				})
				continue
			}

			diags = diags.Extend(r.validate())
			rules[r.Name] = r
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	return rules, diags
}

func parseSources(sources ...any) ([]hcl.Body, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0)

	for _, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to stat file",
					Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
				})
				continue
			}

			if info.IsDir() {
				newBodies, newDiags := parseFS(parser, os.DirFS(v), v)
				diags = diags.Extend(newDiags)
				bodies = append(bodies, newBodies...)
			} else {
				file, parseDiags := parser.ParseHCLFile(v)
				diags = diags.Extend(parseDiags)
				if file != nil {
					bodies = append(bodies, file.Body)
				}
			}
		case []byte:
			filename := fmt.Sprintf("<bytes@%p>", v)
			file, parseDiags := parser.ParseHCL(v, filename)
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		case fs.FS:
			newBodies, newDiags := parseFS(parser, v, "")
			diags = diags.Extend(newDiags)
			bodies = append(bodies, newBodies...)
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Invalid source type: %T", v),
			})
		}
	}

	return bodies, diags
}

// parseFS parses every descriptor file in fsys. prefix is only used to name
// files in diagnostics.
func parseFS(parser *hclparse.Parser, fsys fs.FS, prefix string) ([]hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0)

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to access file or directory",
				Detail:   fmt.Sprintf("Error accessing %s: %s", path, err),
			})
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, DescriptorSuffix) {
			return nil
		}

		name := path
		if prefix != "" {
			name = filepath.Join(prefix, filepath.FromSlash(path))
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to read file",
				Detail:   fmt.Sprintf("Error reading %s: %s", name, err),
			})
			return nil
		}

		file, parseDiags := parser.ParseHCL(content, name)
		diags = diags.Extend(parseDiags)
		if file != nil {
			bodies = append(bodies, file.Body)
		}
		return nil
	})

	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to walk directory",
			Detail:   fmt.Sprintf("Error walking %s: %s", prefix, err),
		})
	}

	return bodies, diags
}
