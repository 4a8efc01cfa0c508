// Package event defines the lattice events weft consumes and the envelope
// they travel in. Hosts publish events for lattice L on "lattice.evt.L"; the
// body is a JSON envelope holding a type tag and the event data.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

const subjectPrefix = "lattice.evt."

// Subject returns the subject events for a lattice are published on.
func Subject(lattice string) string { return subjectPrefix + lattice }

// WildcardSubject returns the filter matching every lattice's events; the
// event stream binds it.
func WildcardSubject() string { return subjectPrefix + ">" }

// Lattice extracts the lattice id from an event subject, or "" if the
// subject is not an event subject.
func Lattice(subject string) string {
	if !strings.HasPrefix(subject, subjectPrefix) {
		return ""
	}
	return strings.TrimPrefix(subject, subjectPrefix)
}

// Event is one observed change in a lattice. The set of types is closed;
// Decode rejects anything it does not know.
type Event interface {
	EventType() string
}

// Linkdef is a link definition between an actor and a capability provider.
type Linkdef struct {
	ActorID    string            `json:"actor_id"`
	ProviderID string            `json:"provider_id"`
	ContractID string            `json:"contract_id"`
	LinkName   string            `json:"link_name"`
	Values     map[string]string `json:"values,omitempty"`
}

// HostStarted reports a new host joining the lattice.
type HostStarted struct {
	HostID       string            `json:"host_id"`
	FriendlyName string            `json:"friendly_name,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Version      string            `json:"version,omitempty"`
}

func (*HostStarted) EventType() string { return "host_started" }

// HostStopped reports a host leaving the lattice.
type HostStopped struct {
	HostID string `json:"host_id"`
	Reason string `json:"reason,omitempty"`
}

func (*HostStopped) EventType() string { return "host_stopped" }

// ProviderRef identifies one running provider in a heartbeat.
type ProviderRef struct {
	PublicKey  string `json:"public_key"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
}

// HostHeartbeat is the periodic liveness report carrying the host's full
// running set. Heartbeats are the engine's ground truth for host state.
type HostHeartbeat struct {
	HostID        string            `json:"host_id"`
	FriendlyName  string            `json:"friendly_name,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds uint64            `json:"uptime_seconds"`
	// Actors maps actor public keys to running instance counts.
	Actors    map[string]int `json:"actors,omitempty"`
	Providers []ProviderRef  `json:"providers,omitempty"`
}

func (*HostHeartbeat) EventType() string { return "host_heartbeat" }

// ActorStarted reports one actor instance starting on a host.
type ActorStarted struct {
	PublicKey   string            `json:"public_key"`
	ImageRef    string            `json:"image_ref,omitempty"`
	InstanceID  string            `json:"instance_id,omitempty"`
	HostID      string            `json:"host_id"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (*ActorStarted) EventType() string { return "actor_started" }

// ActorStopped reports one actor instance stopping.
type ActorStopped struct {
	PublicKey  string `json:"public_key"`
	InstanceID string `json:"instance_id,omitempty"`
	HostID     string `json:"host_id"`
}

func (*ActorStopped) EventType() string { return "actor_stopped" }

// ProviderStarted reports a capability provider starting on a host.
type ProviderStarted struct {
	PublicKey  string `json:"public_key"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
	ImageRef   string `json:"image_ref,omitempty"`
	HostID     string `json:"host_id"`
}

func (*ProviderStarted) EventType() string { return "provider_started" }

// ProviderStopped reports a capability provider stopping.
type ProviderStopped struct {
	PublicKey  string `json:"public_key"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
	HostID     string `json:"host_id"`
	Reason     string `json:"reason,omitempty"`
}

func (*ProviderStopped) EventType() string { return "provider_stopped" }

// LinkdefSet reports a link definition being put into the lattice.
type LinkdefSet struct {
	Linkdef Linkdef `json:"linkdef"`
}

func (*LinkdefSet) EventType() string { return "linkdef_set" }

// LinkdefDeleted reports a link definition being removed.
type LinkdefDeleted struct {
	Linkdef Linkdef `json:"linkdef"`
}

func (*LinkdefDeleted) EventType() string { return "linkdef_deleted" }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var eventTypes = map[string]func() Event{
	"host_started":     func() Event { return &HostStarted{} },
	"host_stopped":     func() Event { return &HostStopped{} },
	"host_heartbeat":   func() Event { return &HostHeartbeat{} },
	"actor_started":    func() Event { return &ActorStarted{} },
	"actor_stopped":    func() Event { return &ActorStopped{} },
	"provider_started": func() Event { return &ProviderStarted{} },
	"provider_stopped": func() Event { return &ProviderStopped{} },
	"linkdef_set":      func() Event { return &LinkdefSet{} },
	"linkdef_deleted":  func() Event { return &LinkdefDeleted{} },
}

// Decode parses a raw broker payload into its concrete event type.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	newEvent, ok := eventTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	ev := newEvent()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
		}
	}
	return ev, nil
}

// Encode wraps an event in its envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}
