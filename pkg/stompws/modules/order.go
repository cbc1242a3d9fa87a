package modules

import (
	"fmt"
	"slices"
	"sort"

	"github.com/heimdalr/dag"
)

// LoadOrder returns root and its transitive dependencies, dependencies
// first. Modules named in external are provided by the host: they satisfy
// dependencies but are left out of the order. Dynamically loaded modules
// are never part of the static order.
func LoadOrder(rules map[string]*Rules, root string, external ...string) ([]string, error) {
	if slices.Contains(external, root) {
		return nil, nil
	}

	closure := make(map[string]*Rules)
	if err := collect(rules, root, "", external, closure); err != nil {
		return nil, err
	}

	return order(closure, external)
}

// Order returns every declared module in dependency order and reports
// unknown dependencies and cycles anywhere in the graph.
func Order(rules map[string]*Rules, external ...string) ([]string, error) {
	for _, name := range sortedNames(rules) {
		for _, dep := range rules[name].Dependencies() {
			if _, ok := rules[dep]; !ok && !slices.Contains(external, dep) {
				return nil, fmt.Errorf("module %s depends on unknown module %s", name, dep)
			}
		}
	}

	return order(rules, external)
}

func collect(rules map[string]*Rules, name, parent string, external []string, closure map[string]*Rules) error {
	if _, seen := closure[name]; seen {
		return nil
	}

	r, ok := rules[name]
	if !ok {
		if parent == "" {
			return fmt.Errorf("unknown module %s", name)
		}
		return fmt.Errorf("module %s depends on unknown module %s", parent, name)
	}
	closure[name] = r

	for _, dep := range r.Dependencies() {
		if slices.Contains(external, dep) {
			continue
		}
		if err := collect(rules, dep, name, external, closure); err != nil {
			return err
		}
	}

	return nil
}

func order(rules map[string]*Rules, external []string) ([]string, error) {
	graph := dag.NewDAG()

	names := sortedNames(rules)
	for _, name := range names {
		if err := graph.AddVertexByID(name, rules[name]); err != nil {
			return nil, fmt.Errorf("failed to add module %s to dependency graph: %w", name, err)
		}
	}

	// edges run from a dependency to its dependents
	for _, name := range names {
		for _, dep := range rules[name].Dependencies() {
			if slices.Contains(external, dep) {
				continue
			}
			if err := graph.AddEdge(dep, name); err != nil {
				return nil, fmt.Errorf("dependency cycle between %s and %s: %w", dep, name, err)
			}
		}
	}

	visitor := &moduleVertexVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.names, nil
}

type moduleVertexVisitor struct {
	names []string
}

func (v *moduleVertexVisitor) Visit(vertex dag.Vertexer) {
	id, _ := vertex.Vertex()
	v.names = append(v.names, id)
}

func sortedNames(rules map[string]*Rules) []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
