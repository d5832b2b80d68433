package state

import uuid "github.com/kthomas/go.uuid"

// State is an epoch-stamped commitment to the ledger's record set as held by
// a commitment store; external mirrors verify their cached snapshots against
// its claims instead of re-reading every record
type State struct {
	ID      uuid.UUID  `json:"id"`
	StoreID *uuid.UUID `json:"store_id"`
	Epoch   uint64     `json:"epoch"`

	StateClaims []*StateClaim `json:"state_claims,omitempty"`
}

// StateClaim is one verifiable claim over the committed record set
type StateClaim struct {
	Cardinality uint64   `json:"cardinality"`
	Path        []string `json:"path"`
	Root        *string  `json:"root"`
	Values      []string `json:"values"` // hashed record snapshots at the claimed path
}
