// Package store persists sealed transaction receipts.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	ErrNotFound  = errors.New("store: receipt not found")
	ErrDuplicate = errors.New("store: receipt already stored")
)

// ReceiptStore defines the interface for persisting and retrieving receipts.
type ReceiptStore interface {
	Store(ctx context.Context, r *chain.Receipt) error
	Get(ctx context.Context, id string) (*chain.Receipt, error)
	// List returns up to limit receipts with a block number above afterBlock,
	// in block order.
	List(ctx context.Context, afterBlock uint64, limit int) ([]*chain.Receipt, error)
	// Last returns the receipt with the highest block number.
	Last(ctx context.Context) (*chain.Receipt, error)
}

var (
	_ ReceiptStore      = (*MemoryReceiptStore)(nil)
	_ chain.ReceiptSink = (*MemoryReceiptStore)(nil)
)

// MemoryReceiptStore keeps receipts in process memory.
type MemoryReceiptStore struct {
	mu      sync.RWMutex
	byID    map[string]*chain.Receipt
	ordered []*chain.Receipt
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{byID: make(map[string]*chain.Receipt)}
}

func (s *MemoryReceiptStore) Store(_ context.Context, r *chain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return ErrDuplicate
	}
	s.byID[r.ID] = r
	i := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].BlockNumber > r.BlockNumber })
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = r
	return nil
}

func (s *MemoryReceiptStore) Get(_ context.Context, id string) (*chain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryReceiptStore) List(_ context.Context, afterBlock uint64, limit int) ([]*chain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].BlockNumber > afterBlock })
	end := len(s.ordered)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]*chain.Receipt(nil), s.ordered[start:end]...), nil
}

func (s *MemoryReceiptStore) Last(_ context.Context) (*chain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ordered) == 0 {
		return nil, ErrNotFound
	}
	return s.ordered[len(s.ordered)-1], nil
}
