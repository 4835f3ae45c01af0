// Package ipfs stores opaque payloads in a content-addressed blob store and
// retrieves them by address. Addresses are CIDs rendered as strings; callers
// treat them as opaque.
package ipfs

import (
	"context"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrNotFound reports an address the store does not have.
	ErrNotFound = errors.New("content not found")

	// ErrUnavailable reports a store that cannot be reached or that failed
	// at the transport level. The content may or may not exist.
	ErrUnavailable = errors.New("content store unavailable")
)

// Store is a content-addressed blob store.
//
// Put is idempotent: storing the same bytes again returns the same address
// and is not an error. Pin asks the store to retain the content; callers
// treat pin failures as non-fatal.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Pin(ctx context.Context, addr string) error
}

// ComputeAddress derives the CIDv1 address the store assigns to a payload.
func ComputeAddress(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// SHA2_256 with default length cannot fail.
		panic(err)
	}
	return gocid.NewCidV1(gocid.Raw, mh).String()
}

// Filename renders an address as a base32lower string safe for use as a
// filename, normalizing whatever base the address string arrived in.
func Filename(addr string) (string, error) {
	c, err := gocid.Decode(addr)
	if err != nil {
		return "", fmt.Errorf("bad content address %q: %w", addr, err)
	}
	encoded, err := multibase.Encode(multibase.Base32, c.Bytes())
	if err != nil {
		return "", err
	}
	return encoded, nil
}
