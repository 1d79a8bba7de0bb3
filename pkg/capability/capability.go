// Package capability describes what a running server offers so a client can
// build its interface without knowing the configuration.
package capability

import (
	"github.com/polisai/polis-exec/pkg/registry"
	"github.com/polisai/polis-exec/pkg/zfs"
)

// CommandPathPrefix is where custom commands are mounted on the HTTP API.
const CommandPathPrefix = "/custom-commands/"

// Command is the public view of one enabled command. Stages are deliberately
// absent.
type Command struct {
	Label            string `json:"label"`
	Endpoint         string `json:"endpoint"`
	Path             string `json:"path"`
	StdinAllow       bool   `json:"stdin_allow"`
	StdinPlaceholder string `json:"stdin_placeholder"`
	StdinIsSecret    bool   `json:"stdin_is_secret"`
}

// Storage describes the storage surface.
type Storage struct {
	Enabled    bool     `json:"enabled"`
	Operations []string `json:"operations"`
}

// List is the full capability description.
type List struct {
	Commands []Command `json:"commands"`
	Storage  Storage   `json:"storage"`
}

// Publisher derives a List from the registry. It is immutable and safe for
// concurrent use.
type Publisher struct {
	reg            *registry.Registry
	storageEnabled bool
}

// NewPublisher returns a Publisher for reg.
func NewPublisher(reg *registry.Registry, storageEnabled bool) *Publisher {
	return &Publisher{reg: reg, storageEnabled: storageEnabled}
}

// Describe returns enabled commands in configuration order and the storage
// status.
func (p *Publisher) Describe() List {
	list := List{
		Commands: p.Commands(),
		Storage:  Storage{Enabled: p.storageEnabled, Operations: []string{}},
	}
	if p.storageEnabled {
		list.Storage.Operations = append(list.Storage.Operations, zfs.Operations...)
	}
	return list
}

// Commands returns only the command part of Describe.
func (p *Publisher) Commands() []Command {
	defs := p.reg.ListEnabled()
	cmds := make([]Command, 0, len(defs))
	for _, d := range defs {
		cmds = append(cmds, Command{
			Label:            d.Label,
			Endpoint:         d.Endpoint,
			Path:             CommandPathPrefix + d.Endpoint,
			StdinAllow:       d.StdinAllow,
			StdinPlaceholder: d.StdinPlaceholder,
			StdinIsSecret:    d.StdinIsSecret,
		})
	}
	return cmds
}
