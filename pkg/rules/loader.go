package rules

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/vordr/pkg/convert"
	"github.com/orneryd/vordr/pkg/storage"
)

// Declarative rule files cover the common case of a rule that compares a
// single property against a constant, so deployments can declare rules
// without writing Go. Anything beyond a simple comparison stays in code
// via Declare.
//
// File shape:
//
//	rules:
//	  - class: Order
//	    name: big
//	    property: total
//	    op: ">"
//	    value: 100
//	    triggers: [items]
//	  - class: Item
//	    name: priced
//	    property: price
//	    op: exists
//	inherit:
//	  - parent: Order
//	    child: RushOrder
//
// Inherit entries apply after every rule entry, so a child may inherit
// from a parent declared in the same file regardless of ordering.

type ruleFile struct {
	Rules   []ruleSpec    `yaml:"rules"`
	Inherit []inheritSpec `yaml:"inherit"`
}

type ruleSpec struct {
	Class    string   `yaml:"class"`
	Name     string   `yaml:"name"`
	Property string   `yaml:"property"`
	Op       string   `yaml:"op"`
	Value    any      `yaml:"value"`
	Triggers []string `yaml:"triggers"`
}

type inheritSpec struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

// LoadFile reads a YAML rule file and declares its contents on the
// registry.
func LoadFile(registry *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rules: load %s: %w", path, err)
	}
	if err := Load(registry, data); err != nil {
		return fmt.Errorf("rules: load %s: %w", path, err)
	}
	return nil
}

// Load declares the rules in a YAML document on the registry.
func Load(registry *Registry, data []byte) error {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for i, spec := range file.Rules {
		predicate, err := spec.compile()
		if err != nil {
			return fmt.Errorf("rule %d (%s.%s): %w", i, spec.Class, spec.Name, err)
		}
		if err := registry.Declare(spec.Class, spec.Name, predicate, spec.Triggers...); err != nil {
			return err
		}
	}

	for _, in := range file.Inherit {
		if err := registry.Inherit(in.Parent, in.Child); err != nil {
			return err
		}
	}
	return nil
}

// compile turns the declarative comparison into a predicate.
func (s ruleSpec) compile() (Predicate, error) {
	if s.Property == "" {
		return nil, fmt.Errorf("missing property")
	}

	switch s.Op {
	case "exists":
		property := s.Property
		return func(node *storage.Node) (bool, error) {
			_, ok := node.Properties[property]
			return ok, nil
		}, nil
	case "==", "!=":
		property, want, negate := s.Property, s.Value, s.Op == "!="
		return func(node *storage.Node) (bool, error) {
			got, ok := node.Properties[property]
			if !ok {
				return negate, nil
			}
			return propertyEqual(got, want) != negate, nil
		}, nil
	case ">", ">=", "<", "<=":
		threshold, ok := convert.ToFloat64(s.Value)
		if !ok {
			return nil, fmt.Errorf("op %q needs a numeric value, got %v", s.Op, s.Value)
		}
		property, op := s.Property, s.Op
		return func(node *storage.Node) (bool, error) {
			raw, ok := node.Properties[property]
			if !ok {
				return false, nil
			}
			got, ok := convert.ToFloat64(raw)
			if !ok {
				// Non-numeric value never satisfies an ordering comparison.
				return false, nil
			}
			switch op {
			case ">":
				return got > threshold, nil
			case ">=":
				return got >= threshold, nil
			case "<":
				return got < threshold, nil
			default:
				return got <= threshold, nil
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", s.Op)
	}
}

// propertyEqual compares a property value with a declared constant,
// coercing both sides to float64 when possible so 100, 100.0 and "100"
// all match. Otherwise falls back to deep equality.
func propertyEqual(got, want any) bool {
	gf, gok := convert.ToFloat64(got)
	wf, wok := convert.ToFloat64(want)
	if gok && wok {
		return gf == wf
	}
	return reflect.DeepEqual(got, want)
}
