// Package command defines the corrective commands weft issues and consumes,
// plus the fanout publisher that puts batches of them on the wire. Commands
// for lattice L travel on "weft.cmd.L" in the same tagged-envelope encoding
// events use.
package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

const subjectPrefix = "weft.cmd."

// Subject returns the subject commands for a lattice are published on.
func Subject(lattice string) string { return subjectPrefix + lattice }

// WildcardSubject returns the filter matching every lattice's commands; the
// command stream binds it.
func WildcardSubject() string { return subjectPrefix + ">" }

// Lattice extracts the lattice id from a command subject, or "" if the
// subject is not a command subject.
func Lattice(subject string) string {
	if !strings.HasPrefix(subject, subjectPrefix) {
		return ""
	}
	return strings.TrimPrefix(subject, subjectPrefix)
}

// Command is one corrective action for a lattice. The set of types is
// closed; Encode and Decode reject anything they do not know.
type Command interface {
	CommandType() string
}

// StartActor asks a host to start instances of an actor.
type StartActor struct {
	Reference string `json:"reference"`
	HostID    string `json:"host_id"`
	Count     int    `json:"count"`
}

func (*StartActor) CommandType() string { return "start_actor" }

// StopActor asks a host to stop instances of an actor.
type StopActor struct {
	ActorID string `json:"actor_id"`
	HostID  string `json:"host_id"`
	Count   int    `json:"count"`
}

func (*StopActor) CommandType() string { return "stop_actor" }

// StartProvider asks a host to start a capability provider.
type StartProvider struct {
	Reference string `json:"reference"`
	HostID    string `json:"host_id"`
	LinkName  string `json:"link_name,omitempty"`
}

func (*StartProvider) CommandType() string { return "start_provider" }

// StopProvider asks a host to stop a capability provider.
type StopProvider struct {
	ProviderID string `json:"provider_id"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name,omitempty"`
	HostID     string `json:"host_id"`
}

func (*StopProvider) CommandType() string { return "stop_provider" }

// PutLinkdef asks the lattice to set a link definition.
type PutLinkdef struct {
	ActorID    string            `json:"actor_id"`
	ProviderID string            `json:"provider_id"`
	ContractID string            `json:"contract_id"`
	LinkName   string            `json:"link_name"`
	Values     map[string]string `json:"values,omitempty"`
}

func (*PutLinkdef) CommandType() string { return "put_linkdef" }

// DeleteLinkdef asks the lattice to remove a link definition.
type DeleteLinkdef struct {
	ActorID    string `json:"actor_id"`
	ProviderID string `json:"provider_id"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
}

func (*DeleteLinkdef) CommandType() string { return "delete_linkdef" }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var commandTypes = map[string]func() Command{
	"start_actor":    func() Command { return &StartActor{} },
	"stop_actor":     func() Command { return &StopActor{} },
	"start_provider": func() Command { return &StartProvider{} },
	"stop_provider":  func() Command { return &StopProvider{} },
	"put_linkdef":    func() Command { return &PutLinkdef{} },
	"delete_linkdef": func() Command { return &DeleteLinkdef{} },
}

// Decode parses a raw broker payload into its concrete command type.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}
	newCommand, ok := commandTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
	cmd := newCommand()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			return nil, fmt.Errorf("decode %s command: %w", env.Type, err)
		}
	}
	return cmd, nil
}

// Encode wraps a command in its envelope. Commands outside the registered
// set fail to encode.
func Encode(cmd Command) ([]byte, error) {
	typ := cmd.CommandType()
	if _, ok := commandTypes[typ]; !ok {
		return nil, fmt.Errorf("unknown command type %q", typ)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Data: data})
}
