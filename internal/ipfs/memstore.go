package ipfs

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests and offline tooling. It computes
// the same CIDv1 addresses for raw payloads that the daemon would.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	pins  map[string]bool
	puts  int
	gets  int

	// Error injection for tests. When set, the corresponding operation
	// fails with the given error.
	FailPut error
	FailGet error
	FailPin error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string][]byte),
		pins:  make(map[string]bool),
	}
}

// Put stores a payload under its computed address.
func (s *MemStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return "", s.FailPut
	}
	addr := ComputeAddress(data)
	if _, ok := s.blobs[addr]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[addr] = cp
	}
	s.puts++
	return addr, nil
}

// Get returns a copy of the payload stored at addr.
func (s *MemStore) Get(ctx context.Context, addr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.FailGet != nil {
		return nil, s.FailGet
	}
	data, ok := s.blobs[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Pin marks stored content as pinned.
func (s *MemStore) Pin(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPin != nil {
		return s.FailPin
	}
	if _, ok := s.blobs[addr]; !ok {
		return fmt.Errorf("%w: pin %s", ErrNotFound, addr)
	}
	s.pins[addr] = true
	return nil
}

// Len reports how many distinct payloads the store holds.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Puts reports how many Put calls succeeded, counting repeats.
func (s *MemStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Gets reports how many Get calls were made.
func (s *MemStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Pinned reports whether addr has been pinned.
func (s *MemStore) Pinned(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[addr]
}

// Drop removes a payload, simulating content the store lost.
func (s *MemStore) Drop(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, addr)
	delete(s.pins, addr)
}

// SetRaw plants a payload at an arbitrary address, bypassing address
// computation. Tests use it to serve damaged bytes.
func (s *MemStore) SetRaw(addr string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[addr] = cp
}
