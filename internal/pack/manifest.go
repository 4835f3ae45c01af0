package pack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	gocid "github.com/ipfs/go-cid"
)

const manifestKind = "manifest"

// Manifest is the published state of a remote repository: every ref with its
// tip object id, the content address of every object reachable from any ref,
// and the name of the default branch. The ledger entry for an IP Set points
// at exactly one stored Manifest.
type Manifest struct {
	Refs    map[string]plumbing.Hash
	Objects map[plumbing.Hash]string
	Head    string
}

type manifestWire struct {
	V       int               `json:"v"`
	Kind    string            `json:"kind"`
	Refs    map[string]string `json:"refs"`
	Objects map[string]string `json:"objects"`
	Head    string            `json:"head,omitempty"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		Refs:    make(map[string]plumbing.Hash),
		Objects: make(map[plumbing.Hash]string),
	}
}

// Clone returns a deep copy, so a retried update can rebuild from the prior
// state without mutating it.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Refs:    make(map[string]plumbing.Hash, len(m.Refs)),
		Objects: make(map[plumbing.Hash]string, len(m.Objects)),
		Head:    m.Head,
	}
	for name, h := range m.Refs {
		c.Refs[name] = h
	}
	for h, addr := range m.Objects {
		c.Objects[h] = addr
	}
	return c
}

// Tip returns the object id a ref points at.
func (m *Manifest) Tip(name string) (plumbing.Hash, bool) {
	h, ok := m.Refs[name]
	return h, ok
}

// SetRef points a ref at an object id.
func (m *Manifest) SetRef(name string, h plumbing.Hash) {
	m.Refs[name] = h
}

// DeleteRef removes a ref.
func (m *Manifest) DeleteRef(name string) {
	delete(m.Refs, name)
}

// AddressOf returns the recorded content address for an object id.
func (m *Manifest) AddressOf(h plumbing.Hash) (string, bool) {
	addr, ok := m.Objects[h]
	return addr, ok
}

// SetAddress records where an object is stored.
func (m *Manifest) SetAddress(h plumbing.Hash, addr string) {
	m.Objects[h] = addr
}

// Known reports whether an object id is indexed. Indexed objects are already
// confirmed present in the content store, so an incremental transfer prunes
// its walk at them.
func (m *Manifest) Known(h plumbing.Hash) bool {
	_, ok := m.Objects[h]
	return ok
}

// RefNames returns all ref names, sorted.
func (m *Manifest) RefNames() []string {
	names := make([]string, 0, len(m.Refs))
	for name := range m.Refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBranch picks the head for a manifest with no explicit choice:
// refs/heads/main, then refs/heads/master, then the alphabetically first
// branch. Empty if no branches exist.
func (m *Manifest) DefaultBranch() string {
	if _, ok := m.Refs["refs/heads/main"]; ok {
		return "refs/heads/main"
	}
	if _, ok := m.Refs["refs/heads/master"]; ok {
		return "refs/heads/master"
	}
	for _, name := range m.RefNames() {
		if strings.HasPrefix(name, "refs/heads/") {
			return name
		}
	}
	return ""
}

// EncodeManifest serializes a manifest deterministically, self-described by
// its kind field.
func EncodeManifest(m *Manifest) ([]byte, error) {
	wire := manifestWire{
		V:       EnvelopeVersion,
		Kind:    manifestKind,
		Refs:    make(map[string]string, len(m.Refs)),
		Objects: make(map[string]string, len(m.Objects)),
		Head:    m.Head,
	}
	for name, h := range m.Refs {
		wire.Refs[name] = h.String()
	}
	for h, addr := range m.Objects {
		wire.Objects[h.String()] = addr
	}
	return CanonicalJSON(wire)
}

// DecodeManifest is the inverse of EncodeManifest. A payload that is not a
// well-formed manifest fails with ErrCorrupt.
func DecodeManifest(data []byte) (*Manifest, error) {
	var wire manifestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if wire.V != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, wire.V)
	}
	if wire.Kind != manifestKind {
		return nil, fmt.Errorf("%w: payload is %q, not a manifest", ErrCorrupt, wire.Kind)
	}

	m := NewManifest()
	m.Head = wire.Head
	for name, s := range wire.Refs {
		h, err := parseHash(s)
		if err != nil {
			return nil, fmt.Errorf("%w: ref %q: %v", ErrCorrupt, name, err)
		}
		m.Refs[name] = h
	}
	for s, addr := range wire.Objects {
		h, err := parseHash(s)
		if err != nil {
			return nil, fmt.Errorf("%w: object index: %v", ErrCorrupt, err)
		}
		if _, err := gocid.Decode(addr); err != nil {
			return nil, fmt.Errorf("%w: address %q for %s: %v", ErrCorrupt, addr, s, err)
		}
		m.Objects[h] = addr
	}
	return m, nil
}
