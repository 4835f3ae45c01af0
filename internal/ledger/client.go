// Package ledger reads and updates the on-chain IP Set entry that maps an
// identifier to the content address of its current manifest. Updates are
// compare-and-swap proposals with asynchronous finality.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrStaleUpdate reports a proposal rejected because the on-chain value
	// no longer matched the expected address. The caller must re-read and
	// retry.
	ErrStaleUpdate = errors.New("stale ledger update")

	// ErrFinalityTimeout reports a proposal whose outcome is unknown: it was
	// submitted but did not finalize within the budget. The transaction may
	// still land, so callers re-read rather than assume failure.
	ErrFinalityTimeout = errors.New("ledger finality timeout")

	// ErrUnknownIPSet reports an IP Set identifier with no ledger entry.
	ErrUnknownIPSet = errors.New("unknown ip set")
)

// Receipt identifies a submitted proposal. It is provisional until
// AwaitFinality confirms it.
type Receipt struct {
	TxID    string
	IPSetID string
	NewRoot string
}

// Client is the ledger boundary.
//
// ManifestAddress returns the current manifest address for an IP Set, or ""
// if the entry exists but has never been published to. ProposeUpdate submits
// a compare-and-swap from expected to next; expected "" means the entry must
// still be unpublished. AwaitFinality blocks until the receipt's transaction
// is final, the budget runs out (ErrFinalityTimeout), or the transaction
// definitively fails.
type Client interface {
	ManifestAddress(ctx context.Context, ipSetID string) (string, error)
	ProposeUpdate(ctx context.Context, ipSetID, expected, next string, signer *Identity) (*Receipt, error)
	AwaitFinality(ctx context.Context, r *Receipt) error
}
