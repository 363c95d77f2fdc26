package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	// ErrIssuerKeyMismatch means the supplied issuer key does not hash to the
	// value the ledger recorded for the transaction creator. Accepting such a
	// key would let an attacker verify signatures under a key they control.
	ErrIssuerKeyMismatch = errors.New("credential: issuer key hash mismatch")
	// ErrSignatureInvalid means the proof does not bind the pseudonym to the
	// message under the recorded issuer key.
	ErrSignatureInvalid = errors.New("credential: pseudonym signature invalid")
)

// Verifier checks that a signature over a challenge message was produced by
// the holder of the pseudonym recorded in a committed ledger transaction. It
// is a pure predicate with no side effects.
type Verifier struct{}

// Verify rejects issuer-key substitution first: the SHA-256 of the supplied
// key must equal the hash the transaction envelope recorded. Only then is the
// pseudonym-signature check performed under that key.
func (Verifier) Verify(nym Pseudonym, issuerKeyHash, issuerKey, msg, sig []byte) error {
	sum := sha256.Sum256(issuerKey)
	if subtle.ConstantTimeCompare(sum[:], issuerKeyHash) != 1 {
		return ErrIssuerKeyMismatch
	}
	ipk, err := ParseIssuerPublicKey(issuerKey)
	if err != nil {
		return err
	}
	point, err := nym.point()
	if err != nil {
		return err
	}
	ok, err := verifyNym(point, ipk, msg, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}
