package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for definition validation
var (
	// ErrDuplicateEndpoint indicates two enabled definitions claim the same explicit endpoint
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")

	// ErrDuplicateCommand indicates two enabled definitions run the same pipeline
	ErrDuplicateCommand = errors.New("duplicate command")

	// ErrInvalidEndpoint indicates an explicit endpoint outside the URL-safe character set
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrEmptyPipeline indicates a definition without stages
	ErrEmptyPipeline = errors.New("command has no stages")

	// ErrEmptyStage indicates a stage with an empty argv or program name
	ErrEmptyStage = errors.New("stage has no program")

	// ErrMissingLabel indicates a definition without a label
	ErrMissingLabel = errors.New("command label is required")
)

// ConfigError identifies the offending definition by its position in the
// configuration and its label.
type ConfigError struct {
	Kind     error
	Index    int
	Label    string
	Endpoint string
	Stage    int
	Other    int
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ErrDuplicateEndpoint:
		return fmt.Sprintf("custom_command[%d] %q: endpoint %q already used by custom_command[%d]", e.Index, e.Label, e.Endpoint, e.Other)
	case ErrDuplicateCommand:
		return fmt.Sprintf("custom_command[%d] %q: same run_cmd as custom_command[%d]", e.Index, e.Label, e.Other)
	case ErrInvalidEndpoint:
		return fmt.Sprintf("custom_command[%d] %q: endpoint %q must contain only lowercase letters, digits, '-', '_' and '.'", e.Index, e.Label, e.Endpoint)
	case ErrEmptyStage:
		return fmt.Sprintf("custom_command[%d] %q: stage %d: %v", e.Index, e.Label, e.Stage, e.Kind)
	default:
		return fmt.Sprintf("custom_command[%d] %q: %v", e.Index, e.Label, e.Kind)
	}
}

func (e *ConfigError) Is(target error) bool {
	return target == e.Kind
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// IsDuplicateEndpoint reports whether err is a duplicate endpoint failure
func IsDuplicateEndpoint(err error) bool {
	return errors.Is(err, ErrDuplicateEndpoint)
}
