package settle

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
)

type nonceEntry struct {
	value    uint64
	consumed bool
}

// NonceAuthority issues single-use challenge values per claimant. Each
// issuance replaces the previous nonce, and the first successful verification
// consumes it, so a captured signature cannot be replayed against the same
// challenge.
type NonceAuthority struct {
	mu     sync.Mutex
	active map[string]*nonceEntry
}

func NewNonceAuthority() *NonceAuthority {
	return &NonceAuthority{active: make(map[string]*nonceEntry)}
}

// Issue generates a fresh random nonce and records it as the sole valid
// challenge for the claimant, invalidating any previous one.
func (n *NonceAuthority) Issue(claimantID string) (uint64, error) {
	claimant := strings.TrimSpace(claimantID)
	if claimant == "" {
		return 0, fmt.Errorf("settle: claimant id required")
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("settle: generate nonce: %w", err)
	}
	value := binary.BigEndian.Uint64(buf[:])
	n.mu.Lock()
	n.active[claimant] = &nonceEntry{value: value}
	n.mu.Unlock()
	return value, nil
}

// Current returns the claimant's active nonce. It reports false when no nonce
// was issued or the active one was already consumed; the caller must treat
// either as a replay.
func (n *NonceAuthority) Current(claimantID string) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.active[strings.TrimSpace(claimantID)]
	if !ok || entry.consumed {
		return 0, false
	}
	return entry.value, true
}

// Consume marks the nonce used after a successful verification. The
// check-and-mark is atomic: when two claims race on the same nonce, exactly
// one Consume succeeds and the loser is rejected before any credit is
// computed.
func (n *NonceAuthority) Consume(claimantID string, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.active[strings.TrimSpace(claimantID)]
	if !ok || entry.consumed || entry.value != nonce {
		return ErrReplay
	}
	entry.consumed = true
	return nil
}
