// Package registry validates operator-defined command pipelines and indexes
// them by network endpoint.
//
// A Registry is built once at startup and never mutated afterwards, so it is
// shared between request goroutines without locking.
package registry

import (
	"fmt"
	"slices"
	"time"
)

// CommandDefinition is one operator-configured command pipeline.
type CommandDefinition struct {
	Label    string
	Endpoint string
	// Stages is the ordered list of argv vectors; stdout of stage i feeds stdin of stage i+1.
	Stages           [][]string
	StdinAllow       bool
	StdinPlaceholder string
	StdinIsSecret    bool
	Enabled          bool
	// Timeout bounds the whole pipeline. Zero means the executor default.
	Timeout time.Duration

	derived bool
}

// EndpointDerived reports whether the endpoint was generated from the label.
func (d CommandDefinition) EndpointDerived() bool {
	return d.derived
}

// Registry is the immutable, validated command set.
type Registry struct {
	all     []CommandDefinition
	enabled []int
	index   map[string]int
}

// Load validates defs and resolves their endpoints. The returned error is a
// *ConfigError naming the first offending definition.
func Load(defs []CommandDefinition) (*Registry, error) {
	r := &Registry{
		all:   make([]CommandDefinition, len(defs)),
		index: make(map[string]int, len(defs)),
	}

	for i, def := range defs {
		if err := validateDefinition(i, def); err != nil {
			return nil, err
		}
		r.all[i] = cloneDefinition(def)
	}

	// Explicit endpoints of enabled definitions are reserved before any derivation
	// so a derived slug can never steal an operator-chosen endpoint.
	taken := make(map[string]int, len(defs))
	for i, def := range r.all {
		if def.Endpoint == "" || !def.Enabled {
			continue
		}
		if prev, dup := taken[def.Endpoint]; dup {
			return nil, &ConfigError{
				Kind:     ErrDuplicateEndpoint,
				Index:    i,
				Label:    def.Label,
				Endpoint: def.Endpoint,
				Other:    prev,
			}
		}
		taken[def.Endpoint] = i
	}

	if err := checkDuplicateCommands(r.all); err != nil {
		return nil, err
	}

	for i := range r.all {
		def := &r.all[i]
		if def.Endpoint != "" {
			continue
		}
		def.derived = true
		base := Slugify(def.Label)
		if !def.Enabled {
			def.Endpoint = base
			continue
		}
		def.Endpoint = uniqueEndpoint(base, taken)
		taken[def.Endpoint] = i
	}

	for i, def := range r.all {
		if !def.Enabled {
			continue
		}
		r.enabled = append(r.enabled, i)
		r.index[def.Endpoint] = i
	}

	return r, nil
}

func validateDefinition(i int, def CommandDefinition) error {
	if def.Label == "" {
		return &ConfigError{Kind: ErrMissingLabel, Index: i}
	}
	if len(def.Stages) == 0 {
		return &ConfigError{Kind: ErrEmptyPipeline, Index: i, Label: def.Label}
	}
	for s, argv := range def.Stages {
		if len(argv) == 0 || argv[0] == "" {
			return &ConfigError{Kind: ErrEmptyStage, Index: i, Label: def.Label, Stage: s}
		}
	}
	if def.Endpoint != "" && !ValidEndpoint(def.Endpoint) {
		return &ConfigError{Kind: ErrInvalidEndpoint, Index: i, Label: def.Label, Endpoint: def.Endpoint}
	}
	return nil
}

// checkDuplicateCommands rejects enabled definitions whose stages are
// identical argument for argument.
func checkDuplicateCommands(defs []CommandDefinition) error {
	seen := make(map[string]int, len(defs))
	for i, def := range defs {
		if !def.Enabled {
			continue
		}
		key := pipelineKey(def.Stages)
		if prev, dup := seen[key]; dup {
			return &ConfigError{Kind: ErrDuplicateCommand, Index: i, Label: def.Label, Other: prev}
		}
		seen[key] = i
	}
	return nil
}

// pipelineKey encodes stages unambiguously by quoting every argument.
func pipelineKey(stages [][]string) string {
	return fmt.Sprintf("%q", stages)
}

func cloneDefinition(def CommandDefinition) CommandDefinition {
	stages := make([][]string, len(def.Stages))
	for i, argv := range def.Stages {
		stages[i] = slices.Clone(argv)
	}
	def.Stages = stages
	return def
}

// Lookup returns the enabled definition serving endpoint.
func (r *Registry) Lookup(endpoint string) (CommandDefinition, bool) {
	i, ok := r.index[endpoint]
	if !ok {
		return CommandDefinition{}, false
	}
	return r.all[i], true
}

// ListEnabled returns enabled definitions in configuration order.
func (r *Registry) ListEnabled() []CommandDefinition {
	out := make([]CommandDefinition, 0, len(r.enabled))
	for _, i := range r.enabled {
		out = append(out, r.all[i])
	}
	return out
}

// All returns every definition, disabled ones included, in configuration order.
func (r *Registry) All() []CommandDefinition {
	return slices.Clone(r.all)
}

// Len returns the number of enabled definitions.
func (r *Registry) Len() int {
	return len(r.enabled)
}
