package enrollment

import "github.com/andresmejia3/facegate/internal/types"

// Store is the in-memory, append-only list of enrolled descriptors.
// Identity is the record's position; records are never removed or reordered.
// It is owned by the frame loop and must not be shared across goroutines.
type Store struct {
	records []types.EnrollmentRecord
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append stores a private copy of the descriptor and returns its identity.
// Identical descriptors are not deduplicated; each append is a new identity.
func (s *Store) Append(d types.Descriptor) int {
	id := len(s.records)
	s.records = append(s.records, types.EnrollmentRecord{Identity: id, Descriptor: d.Clone()})
	return id
}

// All returns the records in insertion order.
func (s *Store) All() []types.EnrollmentRecord {
	out := make([]types.EnrollmentRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of enrolled identities.
func (s *Store) Len() int { return len(s.records) }

// IsEmpty reports whether nothing has been enrolled yet.
func (s *Store) IsEmpty() bool { return len(s.records) == 0 }
