// Package model defines the Memory entity and the shared error taxonomy for
// the lifecycle managers. Memory is the unit of storage; managers never hold
// state inside the entity beyond the lifecycle field and the metadata side
// channel (operation ids, restoration stamps).
package model

import (
	"errors"
	"time"
)

// Type classifies what a memory captures.
type Type string

const (
	TypeCode          Type = "code"
	TypeDocumentation Type = "documentation"
	TypeConversation  Type = "conversation"
	TypeDecision      Type = "decision"
	TypePattern       Type = "pattern"
	TypePreference    Type = "preference"
	TypeCustom        Type = "custom"
)

// ValidType reports whether t is one of the fixed type enumeration values.
func ValidType(t Type) bool {
	switch t {
	case TypeCode, TypeDocumentation, TypeConversation, TypeDecision,
		TypePattern, TypePreference, TypeCustom:
		return true
	}
	return false
}

// State is the explicit lifecycle state of a memory. Invalid combinations
// (deleted AND archived) are unrepresentable by construction.
type State string

const (
	StateActive      State = "active"
	StateSoftDeleted State = "soft_deleted"
	StateArchived    State = "archived"
)

// Memory is the unit of storage. ID and CreatedAt are immutable after
// creation. RelatedMemories is a non-owning, symmetric-by-convention
// reference list; entries may point at ids that no longer exist and readers
// must tolerate that.
type Memory struct {
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	Type            Type           `json:"type"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ModifiedAt      time.Time      `json:"modified_at"`
	LastAccessed    time.Time      `json:"last_accessed"`
	AccessCount     int            `json:"access_count"`
	CreatedBy       string         `json:"created_by"`
	ProjectContext  string         `json:"project_context,omitempty"`
	FilePath        string         `json:"file_path,omitempty"`
	Importance      float64        `json:"importance,omitempty"`
	RelatedMemories []string       `json:"related_memories,omitempty"`
	State           State          `json:"state"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy. Managers snapshot memories into their records
// and tier partitions; sharing slices or the metadata map across a snapshot
// boundary would let later mutation corrupt the snapshot.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	cp.RelatedMemories = append([]string(nil), m.RelatedMemories...)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SetMeta writes a metadata key, allocating the bag on first use.
func (m *Memory) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Metadata keys used as a side channel by the lifecycle managers.
const (
	MetaDeleteOperationID  = "deleteOperationId"
	MetaArchiveTier        = "archiveTier"
	MetaArchiveOperationID = "archiveOperationId"
	MetaRestoredAt         = "restoredAt"
	MetaRecoveredAt        = "recoveredAt"
)

// Shared error taxonomy. Managers wrap these with fmt.Errorf("...: %w", ...)
// so callers can branch with errors.Is regardless of which manager raised it.
var (
	// ErrNotFound — memory, backup, archive, or deletion record absent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState — operation attempted from a state that forbids it.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrIntegrityFailure — checksum mismatch or malformed envelope.
	ErrIntegrityFailure = errors.New("integrity check failed")
	// ErrPolicyViolation — blocked by a policy check (e.g. critical-importance
	// deletion without force).
	ErrPolicyViolation = errors.New("operation violates policy")
)
