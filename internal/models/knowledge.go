package models

import "time"

// KnowledgeEntry is an archived incident snapshot with its outcome,
// indexed by an embedding of the symptom and root-cause summary.
// Entries are append-only.
type KnowledgeEntry struct {
	ID              string    `json:"id"`
	IncidentID      string    `json:"incident_id"`
	Summary         string    `json:"summary"`
	Symptoms        []string  `json:"symptoms"`
	Services        []string  `json:"services,omitempty"`
	Severity        Severity  `json:"severity"`
	RootCause       string    `json:"root_cause"`
	Confidence      float64   `json:"confidence"`
	Outcome         string    `json:"outcome"`
	ActionKind      string    `json:"action_kind,omitempty"`
	ActionSucceeded bool      `json:"action_succeeded"`
	Embedding       []float32 `json:"embedding,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ScoredEntry pairs a knowledge entry with its similarity to a query.
type ScoredEntry struct {
	Entry      KnowledgeEntry `json:"entry"`
	Similarity float64        `json:"similarity"`
}
