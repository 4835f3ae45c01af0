package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/systemshift/git-remote-ipset/internal/pack"
)

// errTxFailed marks a transaction the ledger definitively rejected, as
// opposed to one that merely has not finalized yet.
var errTxFailed = errors.New("ledger transaction failed")

// HTTPClient talks to a ledger gateway over its HTTP API.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	finality time.Duration

	proposeWait time.Duration
	pollWait    time.Duration
}

// NewHTTPClient creates a client for the gateway at baseURL. finality bounds
// how long AwaitFinality polls before reporting an unknown outcome.
func NewHTTPClient(baseURL string, finality time.Duration) *HTTPClient {
	if finality <= 0 {
		finality = 90 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		finality:    finality,
		proposeWait: 500 * time.Millisecond,
		pollWait:    time.Second,
	}
}

type ipSetWire struct {
	IPSetID     string `json:"ip_set_id"`
	ManifestCID string `json:"manifest_cid"`
}

type proposalWire struct {
	ExpectedCID string `json:"expected_cid"`
	NewCID      string `json:"new_cid"`
	Author      string `json:"author"`
	Signature   string `json:"signature"`
}

type txWire struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ManifestAddress reads the current manifest address for an IP Set.
func (c *HTTPClient) ManifestAddress(ctx context.Context, ipSetID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v0/ipsets/"+url.PathEscape(ipSetID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger read %s: %w", ipSetID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrUnknownIPSet, ipSetID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ledger read %s: status %d: %s", ipSetID, resp.StatusCode, body)
	}

	var entry ipSetWire
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return "", fmt.Errorf("ledger read %s: parse: %w", ipSetID, err)
	}
	return entry.ManifestCID, nil
}

// ProposeUpdate signs and submits a compare-and-swap proposal. Transport
// failures are retried briefly; a conflict surfaces as ErrStaleUpdate
// immediately.
func (c *HTTPClient) ProposeUpdate(ctx context.Context, ipSetID, expected, next string, signer *Identity) (*Receipt, error) {
	sig, err := signProposal(ipSetID, expected, next, signer)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(proposalWire{
		ExpectedCID: expected,
		NewCID:      next,
		Author:      signer.DID,
		Signature:   sig,
	})
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.proposeWait
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 15 * time.Second

	var receipt *Receipt
	operation := func() error {
		r, err := c.postProposal(ctx, ipSetID, body)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	receipt.IPSetID = ipSetID
	receipt.NewRoot = next
	return receipt, nil
}

func (c *HTTPClient) postProposal(ctx context.Context, ipSetID string, body []byte) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v0/ipsets/"+url.PathEscape(ipSetID)+"/proposals", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger propose %s: %w", ipSetID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode == http.StatusConflict:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrStaleUpdate, ipSetID))
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownIPSet, ipSetID))
	case resp.StatusCode >= 500:
		// Gateway trouble, worth retrying within the budget.
		return nil, fmt.Errorf("ledger propose %s: status %d", ipSetID, resp.StatusCode)
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("ledger propose %s: status %d: %s", ipSetID, resp.StatusCode, respBody))
	}

	var tx txWire
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("ledger propose %s: parse: %w", ipSetID, err))
	}
	if tx.TxID == "" {
		return nil, backoff.Permanent(fmt.Errorf("ledger propose %s: no transaction id in response", ipSetID))
	}
	return &Receipt{TxID: tx.TxID}, nil
}

// errPending marks a transaction still waiting for inclusion.
var errPending = errors.New("transaction pending")

// AwaitFinality polls the transaction until it finalizes. When the budget
// runs out while the transaction is still pending or the gateway is
// unreachable, the outcome is unknown and surfaces as ErrFinalityTimeout.
func (c *HTTPClient) AwaitFinality(ctx context.Context, r *Receipt) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollWait
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = c.finality

	operation := func() error {
		status, reason, err := c.txStatus(ctx, r.TxID)
		if err != nil {
			return err
		}
		switch status {
		case "final":
			return nil
		case "failed":
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", errTxFailed, r.TxID, reason))
		default:
			return errPending
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errTxFailed):
		return err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: transaction %s not confirmed within %s", ErrFinalityTimeout, r.TxID, c.finality)
	}
}

func (c *HTTPClient) txStatus(ctx context.Context, txID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v0/tx/"+url.PathEscape(txID), nil)
	if err != nil {
		return "", "", backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("ledger tx %s: %w", txID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("ledger tx %s: status %d", txID, resp.StatusCode)
	}
	var tx txWire
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return "", "", fmt.Errorf("ledger tx %s: parse: %w", txID, err)
	}
	return tx.Status, tx.Reason, nil
}

// signProposal produces the canonical signing payload for a proposal and
// signs it, so the gateway can verify authorship against the DID.
func signProposal(ipSetID, expected, next string, signer *Identity) (string, error) {
	if signer == nil {
		return "", fmt.Errorf("ledger propose %s: no signer", ipSetID)
	}
	payload, err := ProposalPayload(ipSetID, expected, next, signer.DID)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	key, err := signer.SigningKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

// ProposalPayload builds the canonical JSON bytes a proposal signature
// covers. Gateways and verifiers must reproduce these bytes exactly.
func ProposalPayload(ipSetID, expected, next, author string) ([]byte, error) {
	return pack.CanonicalJSON(map[string]interface{}{
		"v":            1,
		"ip_set_id":    ipSetID,
		"expected_cid": expected,
		"new_cid":      next,
		"author":       author,
	})
}
