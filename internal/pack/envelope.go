package pack

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
)

// EnvelopeVersion is the stored format version for objects and manifests.
const EnvelopeVersion = 1

// ErrCorrupt reports a payload that does not decode to a well-formed
// envelope. Decoding never substitutes defaults for damaged fields.
var ErrCorrupt = errors.New("corrupt object")

// envelope is the stored form of one graph object. The kind field makes
// every payload self-describing, and the extracted edges travel with the
// raw content so the fetch side can walk the graph without parsing git's
// binary formats.
type envelope struct {
	V       int         `json:"v"`
	Kind    string      `json:"kind"`
	OID     string      `json:"oid"`
	Data    []byte      `json:"data,omitempty"`
	Parents []string    `json:"parents,omitempty"`
	Tree    string      `json:"tree,omitempty"`
	Entries []treeEntry `json:"entries,omitempty"`
	Target  string      `json:"target,omitempty"`
}

type treeEntry struct {
	Mode string `json:"mode"`
	Name string `json:"name"`
	OID  string `json:"oid"`
}

// EncodeObject serializes a graph object deterministically.
func EncodeObject(o *gitdag.Object) ([]byte, error) {
	env := envelope{
		V:    EnvelopeVersion,
		Kind: string(o.Kind),
		OID:  o.ID.String(),
		Data: o.Data,
	}
	switch o.Kind {
	case gitdag.KindCommit:
		for _, p := range o.Parents {
			env.Parents = append(env.Parents, p.String())
		}
		if !o.Tree.IsZero() {
			env.Tree = o.Tree.String()
		}
	case gitdag.KindTree:
		for _, e := range o.Entries {
			env.Entries = append(env.Entries, treeEntry{
				Mode: e.Mode.String(),
				Name: e.Name,
				OID:  e.ID.String(),
			})
		}
	case gitdag.KindTag:
		if !o.Target.IsZero() {
			env.Target = o.Target.String()
		}
	case gitdag.KindBlob:
	default:
		return nil, fmt.Errorf("encode object %s: unknown kind %q", o.ID, o.Kind)
	}
	return CanonicalJSON(env)
}

// DecodeObject is the inverse of EncodeObject. Corrupted, truncated, or
// mis-kinded payloads fail with ErrCorrupt.
func DecodeObject(data []byte) (*gitdag.Object, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.V != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.V)
	}
	if env.Kind == manifestKind {
		return nil, fmt.Errorf("%w: payload is a manifest, not a graph object", ErrCorrupt)
	}

	kind := gitdag.Kind(env.Kind)
	switch kind {
	case gitdag.KindCommit, gitdag.KindTree, gitdag.KindBlob, gitdag.KindTag:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorrupt, env.Kind)
	}

	id, err := parseHash(env.OID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	obj := &gitdag.Object{Kind: kind, ID: id, Data: env.Data}
	switch kind {
	case gitdag.KindCommit:
		for _, p := range env.Parents {
			ph, err := parseHash(p)
			if err != nil {
				return nil, fmt.Errorf("%w: parent: %v", ErrCorrupt, err)
			}
			obj.Parents = append(obj.Parents, ph)
		}
		if env.Tree != "" {
			th, err := parseHash(env.Tree)
			if err != nil {
				return nil, fmt.Errorf("%w: tree: %v", ErrCorrupt, err)
			}
			obj.Tree = th
		}
	case gitdag.KindTree:
		for _, e := range env.Entries {
			mode, err := filemode.New(e.Mode)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q mode %q: %v", ErrCorrupt, e.Name, e.Mode, err)
			}
			eh, err := parseHash(e.OID)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrCorrupt, e.Name, err)
			}
			obj.Entries = append(obj.Entries, gitdag.TreeEntry{Mode: mode, Name: e.Name, ID: eh})
		}
	case gitdag.KindTag:
		if env.Target != "" {
			th, err := parseHash(env.Target)
			if err != nil {
				return nil, fmt.Errorf("%w: target: %v", ErrCorrupt, err)
			}
			obj.Target = th
		}
	}
	return obj, nil
}

func parseHash(s string) (plumbing.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return plumbing.ZeroHash, fmt.Errorf("invalid object id %q", s)
	}
	var h plumbing.Hash
	copy(h[:], b)
	return h, nil
}
