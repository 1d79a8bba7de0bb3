package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageSeparator splits a flat run_cmd into stages, so ["ls", "|", "wc", "-l"]
// is equivalent to [["ls"], ["wc", "-l"]]. It is never passed to a program.
const StageSeparator = "|"

var errRunCmdShape = errors.New("run_cmd must be a list of strings or a list of lists of strings")

// RunCmd is a command pipeline as written in configuration: either one argv
// or a list of argv vectors.
type RunCmd [][]string

// Stages returns a copy of the pipeline stages.
func (r RunCmd) Stages() [][]string {
	out := make([][]string, len(r))
	for i, argv := range r {
		out[i] = append([]string(nil), argv...)
	}
	return out
}

// String renders the pipeline the way a shell user would read it.
func (r RunCmd) String() string {
	parts := make([]string, len(r))
	for i, argv := range r {
		parts[i] = strings.Join(argv, " ")
	}
	return strings.Join(parts, " | ")
}

// UnmarshalTOML implements toml.Unmarshaler.
func (r *RunCmd) UnmarshalTOML(data any) error {
	return r.fromAny(data)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RunCmd) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return r.fromAny(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RunCmd) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return r.fromAny(raw)
}

// MarshalJSON emits the nested form.
func (r RunCmd) MarshalJSON() ([]byte, error) {
	return json.Marshal([][]string(r))
}

func (r *RunCmd) fromAny(data any) error {
	items, ok := data.([]any)
	if !ok {
		return errRunCmdShape
	}
	if len(items) == 0 {
		*r = nil
		return nil
	}

	if _, nested := items[0].([]any); nested {
		stages := make([][]string, 0, len(items))
		for i, item := range items {
			argv, err := stringList(item)
			if err != nil {
				return fmt.Errorf("run_cmd stage %d: %w", i, err)
			}
			stages = append(stages, argv)
		}
		*r = stages
		return nil
	}

	flat, err := stringList(items)
	if err != nil {
		return err
	}
	*r = splitStages(flat)
	return nil
}

func stringList(data any) ([]string, error) {
	items, ok := data.([]any)
	if !ok {
		return nil, errRunCmdShape
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errRunCmdShape
		}
		out = append(out, s)
	}
	return out, nil
}

// splitStages cuts a flat argv at every StageSeparator. Empty stages are kept
// so validation can report them.
func splitStages(flat []string) [][]string {
	stages := [][]string{{}}
	for _, arg := range flat {
		if arg == StageSeparator {
			stages = append(stages, []string{})
			continue
		}
		last := len(stages) - 1
		stages[last] = append(stages[last], arg)
	}
	return stages
}
