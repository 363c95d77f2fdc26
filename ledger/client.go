// Package ledger holds the consumed interface to the external consensus
// network, transaction introspection, and the typed records read back from
// committed state. The network itself is an external collaborator; nothing in
// this package implements consensus.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client is the gateway to the consensus network. Submit writes through
// ordering, Evaluate is a read-only query against committed state, and
// QueryTransactionByID retrieves a committed transaction envelope for
// introspection.
type Client interface {
	Submit(ctx context.Context, function string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, function string, args ...string) ([]byte, error)
	QueryTransactionByID(ctx context.Context, txID string) (*CommittedTransaction, error)
	Subscribe(ctx context.Context, event string, fn func(payload []byte)) error
}

// ValidationCode is the commit-time validation verdict recorded for a
// transaction.
type ValidationCode int32

// ValidationValid marks a transaction that passed endorsement and commit
// validation. Every other code means the write-set was discarded.
const ValidationValid ValidationCode = 0

// CommittedTransaction is the raw result of a transaction-by-ID query.
type CommittedTransaction struct {
	ValidationCode ValidationCode  `json:"validationCode"`
	Envelope       json.RawMessage `json:"envelope"`
}

var (
	// ErrTransient marks transport-level failures worth retrying: the network
	// was unreachable or timed out without a verdict.
	ErrTransient = errors.New("ledger: transient failure")
	// ErrPermanent marks failures a retry cannot fix: unknown IDs, malformed
	// envelopes, rejected submissions.
	ErrPermanent = errors.New("ledger: permanent failure")
)

// Transient wraps err so it classifies as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err so it classifies as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RetryingClient decorates a Client with a bounded per-call timeout and
// retry-with-backoff for transient transport failures. Permanent failures and
// anything that is not a ledger transport fault pass through on the first
// attempt.
type RetryingClient struct {
	inner    Client
	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

// NewRetryingClient wraps inner. Zero or negative tuning values fall back to
// 3 attempts, a 15s per-call timeout and a 250ms initial backoff.
func NewRetryingClient(inner Client, attempts int, timeout, backoff time.Duration) *RetryingClient {
	if attempts <= 0 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &RetryingClient{inner: inner, attempts: attempts, timeout: timeout, backoff: backoff}
}

func (c *RetryingClient) do(ctx context.Context, op func(context.Context) error) error {
	delay := c.backoff
	var err error
	for attempt := 0; attempt < c.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = op(callCtx)
		cancel()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == c.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (c *RetryingClient) Submit(ctx context.Context, function string, args ...string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.inner.Submit(ctx, function, args...)
		return callErr
	})
	return out, err
}

func (c *RetryingClient) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.inner.Evaluate(ctx, function, args...)
		return callErr
	})
	return out, err
}

func (c *RetryingClient) QueryTransactionByID(ctx context.Context, txID string) (*CommittedTransaction, error) {
	var out *CommittedTransaction
	err := c.do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.inner.QueryTransactionByID(ctx, txID)
		return callErr
	})
	return out, err
}

// Subscribe passes straight through: subscriptions are long-lived and manage
// their own reconnects.
func (c *RetryingClient) Subscribe(ctx context.Context, event string, fn func(payload []byte)) error {
	return c.inner.Subscribe(ctx, event, fn)
}
