// Package settle contains the settlement-verification core: nonce issuance,
// the idempotent settlement accumulator, the token escrow, and the services
// that decide how much, if anything, a claimant should be credited.
package settle

import (
	"errors"

	"gridsettle/credential"
	"gridsettle/ledger"
)

var (
	// ErrReplay rejects a claim whose nonce is absent, stale, or already
	// consumed by an earlier successful verification.
	ErrReplay = errors.New("settle: replayed or stale nonce")
	// ErrSignatureInvalid rejects a classical certificate signature that does
	// not verify over the claimed token.
	ErrSignatureInvalid = errors.New("settle: signature does not verify")
	// ErrInsufficientFunds rejects a token mint against a balance smaller than
	// the requested funding cap.
	ErrInsufficientFunds = errors.New("settle: insufficient funds")
	// ErrUnknownToken rejects operations referencing a token this escrow never
	// minted, or one owned by a different claimant.
	ErrUnknownToken = errors.New("settle: unknown token")
	// ErrUntrustedCertificate rejects seller certificates that do not chain to
	// a recognized root authority for the claimed MSP.
	ErrUntrustedCertificate = errors.New("settle: certificate not signed by a recognized root authority")
)

// Code maps an error to the stable code automated claimants branch on. Every
// rejection gets a distinct code so callers can tell "try again" from "proof
// was rejected, do not resubmit unchanged".
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrReplay):
		return "REPLAY_OR_STALE_NONCE"
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, credential.ErrSignatureInvalid),
		errors.Is(err, credential.ErrMalformedSignature),
		errors.Is(err, credential.ErrMalformedPseudonym):
		return "SIGNATURE_INVALID"
	case errors.Is(err, credential.ErrIssuerKeyMismatch),
		errors.Is(err, credential.ErrMalformedIssuerKey):
		return "ISSUER_KEY_MISMATCH"
	case errors.Is(err, ledger.ErrNotABid):
		return "NOT_A_BID_TRANSACTION"
	case errors.Is(err, ledger.ErrTxNotValidated):
		return "TX_NOT_VALIDATED"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrUnknownToken):
		return "UNKNOWN_TOKEN"
	case errors.Is(err, ErrUntrustedCertificate):
		return "UNTRUSTED_CERTIFICATE"
	case ledger.IsTransient(err):
		return "LEDGER_TRANSIENT"
	default:
		return "LEDGER_PERMANENT"
	}
}

// Retryable reports whether the caller may resubmit the same request
// unchanged. Only transient ledger faults qualify; every verification failure
// is final.
func Retryable(err error) bool {
	return ledger.IsTransient(err)
}
