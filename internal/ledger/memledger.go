package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
)

// MemLedger is an in-process Client for tests. It applies the same
// compare-and-swap contract as the real ledger: the swap happens at proposal
// time, and a proposal against a moved value fails with ErrStaleUpdate.
type MemLedger struct {
	mu        sync.Mutex
	entries   map[string]string // IP Set id -> manifest address, "" = unpublished
	proposals int
	txSeq     int

	// Knobs for failure injection.
	//
	// StaleN fails the next N proposals with ErrStaleUpdate regardless of
	// the expected value. TimeoutFinality makes AwaitFinality report
	// ErrFinalityTimeout even though the proposal was applied. DropTx
	// accepts proposals without applying them, so the write genuinely
	// never lands.
	StaleN          int
	TimeoutFinality bool
	DropTx          bool
}

// NewMemLedger creates a ledger with an unpublished entry per id.
func NewMemLedger(ids ...string) *MemLedger {
	l := &MemLedger{entries: make(map[string]string)}
	for _, id := range ids {
		l.entries[id] = ""
	}
	return l
}

// ManifestAddress returns the current value of an entry.
func (l *MemLedger) ManifestAddress(ctx context.Context, ipSetID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	addr, ok := l.entries[ipSetID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIPSet, ipSetID)
	}
	return addr, nil
}

// ProposeUpdate applies a compare-and-swap.
func (l *MemLedger) ProposeUpdate(ctx context.Context, ipSetID, expected, next string, signer *Identity) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := verifySigner(ipSetID, expected, next, signer); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[ipSetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIPSet, ipSetID)
	}
	l.proposals++
	if l.StaleN > 0 {
		l.StaleN--
		return nil, fmt.Errorf("%w: %s", ErrStaleUpdate, ipSetID)
	}
	if current != expected {
		return nil, fmt.Errorf("%w: %s", ErrStaleUpdate, ipSetID)
	}

	if !l.DropTx {
		l.entries[ipSetID] = next
	}
	l.txSeq++
	return &Receipt{
		TxID:    fmt.Sprintf("tx-%d", l.txSeq),
		IPSetID: ipSetID,
		NewRoot: next,
	}, nil
}

// AwaitFinality confirms a receipt.
func (l *MemLedger) AwaitFinality(ctx context.Context, r *Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TimeoutFinality {
		return fmt.Errorf("%w: transaction %s", ErrFinalityTimeout, r.TxID)
	}
	return nil
}

// Address reads an entry directly, for test assertions.
func (l *MemLedger) Address(ipSetID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[ipSetID]
}

// Proposals reports how many proposals were submitted, accepted or not.
func (l *MemLedger) Proposals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proposals
}

// verifySigner checks that the signer's key material is usable and that a
// signature it produces verifies against its DID, the same check a gateway
// performs on a submitted proposal.
func verifySigner(ipSetID, expected, next string, signer *Identity) error {
	if signer == nil {
		return fmt.Errorf("ledger propose %s: no signer", ipSetID)
	}
	payload, err := ProposalPayload(ipSetID, expected, next, signer.DID)
	if err != nil {
		return err
	}
	key, err := signer.SigningKey()
	if err != nil {
		return err
	}
	pub, err := DecodeDIDKey(signer.DID)
	if err != nil {
		return fmt.Errorf("decode author DID: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, ed25519.Sign(key, payload)) {
		return fmt.Errorf("ledger propose %s: signature does not verify against %s", ipSetID, signer.DID)
	}
	return nil
}
