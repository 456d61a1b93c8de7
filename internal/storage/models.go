// Package storage persists the durable collections the workflow engine and
// registries read through: graphs, neurons, universal nodes, conversations,
// messages, generations, thoughts, and users. Two implementations satisfy
// the same store interfaces — an in-process map-backed one for tests and
// local/dev mode, and a Postgres/CockroachDB one for production.
package storage

import (
	"time"
)

// GraphRecord is the persisted form of a workflow graph definition:
// nodes/edges/globalConfig are stored as JSON documents and deserialized by
// the workflow registry before compilation.
type GraphRecord struct {
	GraphID      string
	OwnerID      string
	Tier         int
	IsDefault    bool
	Name         string
	Description  string
	NodesJSON    []byte
	EdgesJSON    []byte
	GlobalConfig []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NeuronRecord is the persisted form of an LM endpoint definition.
type NeuronRecord struct {
	NeuronID        string
	OwnerID         string
	Tier            int
	Name            string
	Role            string
	Provider        string
	Endpoint        string
	Model           string
	APIKey          string
	APIKeyEncrypted bool
	Temperature     float64
	MaxOutputTokens int
	TopP            float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UniversalNodeRecord is a reusable node definition referenced by id from a
// graph's node config, so the same tool/neuron/transform wiring
// can be shared across graphs.
type UniversalNodeRecord struct {
	NodeID    string
	OwnerID   string
	Type      string
	ConfigRaw []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationRecord tracks one conversation thread.
type ConversationRecord struct {
	ConversationID string
	UserID         string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageRecord is one persisted turn of a conversation.
type MessageRecord struct {
	MessageID      string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// GenerationRecord is the durable record of a completed or failed
// generation, written once the in-flight shared-cache state for it is torn
// down.
type GenerationRecord struct {
	GenerationID   string
	MessageID      string
	ConversationID string
	Status         string
	Content        string
	Metadata       []byte
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// ThoughtRecord captures one extended-thinking chunk surfaced during a
// generation, kept separately from MessageRecord content so thinking can be
// hidden or retained independently of the final response.
type ThoughtRecord struct {
	ID           string
	GenerationID string
	Content      string
	CreatedAt    time.Time
}

// UserRecord is a minimal identity record: authentication and profile
// detail live outside this module's scope. The Default* fields are the
// orchestrator's per-user settings; a zero value for any of them means
// "fall back to the process default".
type UserRecord struct {
	UserID                string
	Tier                  int
	DefaultNeuronID       string
	DefaultWorkerNeuronID string
	DefaultGraphID        string
	CreatedAt             time.Time
}
