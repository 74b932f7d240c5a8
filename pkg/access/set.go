package access

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// Set is a journaled membership set for contract state.
type Set[T comparable] struct {
	members mapset.Set[T]
}

// NewSet returns an empty set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{members: mapset.NewThreadUnsafeSet[T]()}
}

func (s *Set[T]) Contains(v T) bool { return s.members.Contains(v) }

func (s *Set[T]) Len() int { return s.members.Cardinality() }

// Values returns the members in no particular order.
func (s *Set[T]) Values() []T { return s.members.ToSlice() }

// Put adds or removes v. The change is undone if tx reverts.
// It reports whether membership changed.
func (s *Set[T]) Put(tx *chain.Tx, v T, present bool) bool {
	if s.members.Contains(v) == present {
		return false
	}
	if present {
		s.members.Add(v)
		tx.Record(func() { s.members.Remove(v) })
	} else {
		s.members.Remove(v)
		tx.Record(func() { s.members.Add(v) })
	}
	return true
}

// Init adds v outside of a transaction, during construction.
func (s *Set[T]) Init(v T) { s.members.Add(v) }
