// Package credential implements the anonymous-credential pseudonym signature
// scheme used to prove that a claimant created a committed ledger transaction.
//
// A pseudonym is a BN254 G1 point nym = HSk^sk * HRand^r built from two secret
// scalars and the bases published in the issuer public key. A pseudonym
// signature is a Schnorr-style proof of knowledge of (sk, r) bound to a
// message, so a captured signature cannot be replayed for a different
// transaction or challenge.
package credential

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

const (
	pointSize     = 32
	issuerKeySize = 2 * pointSize
	signatureSize = 3 * fr.Bytes
)

var (
	ErrMalformedIssuerKey = errors.New("credential: malformed issuer public key")
	ErrMalformedSignature = errors.New("credential: malformed pseudonym signature")
	ErrMalformedPseudonym = errors.New("credential: pseudonym is not a valid curve point")
)

// Pseudonym is a per-transaction anonymous identifier: an elliptic-curve point
// carried through the ledger envelope as two big-integer coordinates.
type Pseudonym struct {
	X *big.Int
	Y *big.Int
}

func (p Pseudonym) point() (bn254.G1Affine, error) {
	var pt bn254.G1Affine
	if p.X == nil || p.Y == nil {
		return pt, ErrMalformedPseudonym
	}
	pt.X.SetBigInt(p.X)
	pt.Y.SetBigInt(p.Y)
	if !pt.IsOnCurve() || !pt.IsInSubGroup() {
		return pt, ErrMalformedPseudonym
	}
	return pt, nil
}

// IssuerPublicKey carries the two G1 bases a credential issuer publishes. Its
// SHA-256 hash is recorded in every transaction envelope created under the
// issuer, which is what lets the verifier detect key substitution.
type IssuerPublicKey struct {
	HSk   bn254.G1Affine
	HRand bn254.G1Affine
}

// ParseIssuerPublicKey decodes the 64-byte compressed-point encoding.
func ParseIssuerPublicKey(raw []byte) (*IssuerPublicKey, error) {
	if len(raw) != issuerKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedIssuerKey, len(raw), issuerKeySize)
	}
	ipk := &IssuerPublicKey{}
	if _, err := ipk.HSk.SetBytes(raw[:pointSize]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIssuerKey, err)
	}
	if _, err := ipk.HRand.SetBytes(raw[pointSize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIssuerKey, err)
	}
	return ipk, nil
}

// Bytes returns the canonical encoding hashed into transaction envelopes.
func (ipk *IssuerPublicKey) Bytes() []byte {
	hsk := ipk.HSk.Bytes()
	hrand := ipk.HRand.Bytes()
	out := make([]byte, 0, issuerKeySize)
	out = append(out, hsk[:]...)
	return append(out, hrand[:]...)
}

// Hash returns the SHA-256 digest identifying this issuer key.
func (ipk *IssuerPublicKey) Hash() []byte {
	sum := sha256.Sum256(ipk.Bytes())
	return sum[:]
}

// GenerateIssuerKey creates a fresh issuer key with random G1 bases. Used by
// claimant tooling and tests; production issuers live outside this service.
func GenerateIssuerKey() (*IssuerPublicKey, error) {
	var a, b fr.Element
	if _, err := a.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: generate issuer key: %w", err)
	}
	if _, err := b.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: generate issuer key: %w", err)
	}
	_, _, g1, _ := bn254.Generators()
	ipk := &IssuerPublicKey{}
	ipk.HSk.ScalarMultiplication(&g1, a.BigInt(new(big.Int)))
	ipk.HRand.ScalarMultiplication(&g1, b.BigInt(new(big.Int)))
	return ipk, nil
}

// Credential holds the secret scalars behind a pseudonym. The signing side
// exists so claimant tooling and tests can produce proofs; the settlement
// service itself only verifies.
type Credential struct {
	sk  fr.Element
	r   fr.Element
	nym bn254.G1Affine
}

// NewCredential draws fresh secrets under the issuer key and derives the
// holder's pseudonym.
func NewCredential(ipk *IssuerPublicKey) (*Credential, error) {
	cred := &Credential{}
	if _, err := cred.sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: new credential: %w", err)
	}
	if _, err := cred.r.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: new credential: %w", err)
	}
	cred.nym = commitG1(&ipk.HSk, &cred.sk, &ipk.HRand, &cred.r)
	return cred, nil
}

// Pseudonym returns the public pseudonym as big-integer coordinates, the form
// recorded in ledger transaction envelopes.
func (c *Credential) Pseudonym() Pseudonym {
	return Pseudonym{
		X: c.nym.X.BigInt(new(big.Int)),
		Y: c.nym.Y.BigInt(new(big.Int)),
	}
}

// Sign produces a pseudonym signature (c, s1, s2) over msg. The commitment
// t = HSk^k1 * HRand^k2 is hashed with the pseudonym, the issuer key and the
// message to derive the challenge, then both secrets are folded into the
// responses.
func (c *Credential) Sign(ipk *IssuerPublicKey, msg []byte) ([]byte, error) {
	var k1, k2 fr.Element
	if _, err := k1.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: sign: %w", err)
	}
	if _, err := k2.SetRandom(); err != nil {
		return nil, fmt.Errorf("credential: sign: %w", err)
	}
	t := commitG1(&ipk.HSk, &k1, &ipk.HRand, &k2)
	ch := challenge(&t, &c.nym, ipk, msg)

	var s1, s2 fr.Element
	s1.Mul(&ch, &c.sk)
	s1.Add(&s1, &k1)
	s2.Mul(&ch, &c.r)
	s2.Add(&s2, &k2)

	out := make([]byte, 0, signatureSize)
	for _, e := range []fr.Element{ch, s1, s2} {
		b := e.Bytes()
		out = append(out, b[:]...)
	}
	return out, nil
}

type nymSignature struct {
	c  fr.Element
	s1 fr.Element
	s2 fr.Element
}

func parseNymSignature(raw []byte) (*nymSignature, error) {
	if len(raw) != signatureSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSignature, len(raw), signatureSize)
	}
	sig := &nymSignature{}
	sig.c.SetBytes(raw[:fr.Bytes])
	sig.s1.SetBytes(raw[fr.Bytes : 2*fr.Bytes])
	sig.s2.SetBytes(raw[2*fr.Bytes:])
	return sig, nil
}

// verifyNym recomputes t' = HSk^s1 * HRand^s2 * nym^(-c) and accepts iff the
// rederived challenge matches the one in the signature.
func verifyNym(nym bn254.G1Affine, ipk *IssuerPublicKey, msg, raw []byte) (bool, error) {
	sig, err := parseNymSignature(raw)
	if err != nil {
		return false, err
	}
	var negC fr.Element
	negC.Neg(&sig.c)

	var acc, term bn254.G1Jac
	var aff bn254.G1Affine
	aff.ScalarMultiplication(&ipk.HSk, sig.s1.BigInt(new(big.Int)))
	acc.FromAffine(&aff)
	aff.ScalarMultiplication(&ipk.HRand, sig.s2.BigInt(new(big.Int)))
	term.FromAffine(&aff)
	acc.AddAssign(&term)
	aff.ScalarMultiplication(&nym, negC.BigInt(new(big.Int)))
	term.FromAffine(&aff)
	acc.AddAssign(&term)

	var t bn254.G1Affine
	t.FromJacobian(&acc)

	ch := challenge(&t, &nym, ipk, msg)
	return ch.Equal(&sig.c), nil
}

func commitG1(p1 *bn254.G1Affine, e1 *fr.Element, p2 *bn254.G1Affine, e2 *fr.Element) bn254.G1Affine {
	var acc, term bn254.G1Jac
	var aff bn254.G1Affine
	aff.ScalarMultiplication(p1, e1.BigInt(new(big.Int)))
	acc.FromAffine(&aff)
	aff.ScalarMultiplication(p2, e2.BigInt(new(big.Int)))
	term.FromAffine(&aff)
	acc.AddAssign(&term)
	var out bn254.G1Affine
	out.FromJacobian(&acc)
	return out
}

func challenge(t, nym *bn254.G1Affine, ipk *IssuerPublicKey, msg []byte) fr.Element {
	h := sha256.New()
	tb := t.Bytes()
	nb := nym.Bytes()
	h.Write(tb[:])
	h.Write(nb[:])
	h.Write(ipk.Bytes())
	h.Write(msg)
	var ch fr.Element
	ch.SetBytes(h.Sum(nil))
	return ch
}
