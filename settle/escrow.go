package settle

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridsettle/ledger"
)

// TokenStatus tracks a claim token through its lifecycle. Transitions only
// move forward; an exhausted token never becomes claimable again.
type TokenStatus uint8

const (
	TokenMinted TokenStatus = iota
	TokenBound
	TokenSettling
	TokenExhausted
)

func (s TokenStatus) String() string {
	switch s {
	case TokenMinted:
		return "minted"
	case TokenBound:
		return "bound"
	case TokenSettling:
		return "settling"
	case TokenExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Token binds an opaque claim string to its owner and the funding cap fixed
// at mint time. Immutable apart from the status.
type Token struct {
	Value          string
	Owner          string
	RequestedFunds float64
	Status         TokenStatus
	MintedAt       time.Time
}

// Escrow manages claimant funds, mints the opaque claim tokens buyers embed in
// ledger bids, and pays sellers for matched trades exactly once. The balance
// table, the token table and the paid-bid set are protected independently so
// unrelated claimants never serialize behind one lock.
type Escrow struct {
	balancesMu sync.Mutex
	balances   map[string]float64

	tokensMu sync.RWMutex
	tokens   map[string]*Token

	rootsMu sync.RWMutex
	roots   map[string]*x509.CertPool

	paid  *PaidBidSet
	nowFn func() time.Time
}

func NewEscrow(paid *PaidBidSet) *Escrow {
	return &Escrow{
		balances: make(map[string]float64),
		tokens:   make(map[string]*Token),
		roots:    make(map[string]*x509.CertPool),
		paid:     paid,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (e *Escrow) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetTrustRoots registers the root certificate pool seller certificates for
// the given MSP must chain to.
func (e *Escrow) SetTrustRoots(msp string, pool *x509.CertPool) {
	e.rootsMu.Lock()
	e.roots[msp] = pool
	e.rootsMu.Unlock()
}

// Deposit adds amount to the claimant's balance, creating the claimant on
// first deposit. There is no upper bound.
func (e *Escrow) Deposit(claimantID string, amount float64) error {
	claimant := strings.TrimSpace(claimantID)
	if claimant == "" {
		return fmt.Errorf("settle: claimant id required")
	}
	if amount <= 0 {
		return fmt.Errorf("settle: deposit amount must be positive")
	}
	e.balancesMu.Lock()
	e.balances[claimant] += amount
	e.balancesMu.Unlock()
	return nil
}

// Balance returns the claimant's current funds. Unknown claimants hold zero.
func (e *Escrow) Balance(claimantID string) float64 {
	e.balancesMu.Lock()
	defer e.balancesMu.Unlock()
	return e.balances[strings.TrimSpace(claimantID)]
}

// MintToken issues a fresh opaque token bound to the claimant and the
// requested funding cap. The claimant's balance must cover the cap.
func (e *Escrow) MintToken(claimantID string, requestedFunds float64) (string, error) {
	claimant := strings.TrimSpace(claimantID)
	if claimant == "" {
		return "", fmt.Errorf("settle: claimant id required")
	}
	if requestedFunds <= 0 {
		return "", fmt.Errorf("settle: requested funds must be positive")
	}
	e.balancesMu.Lock()
	balance := e.balances[claimant]
	e.balancesMu.Unlock()
	if balance < requestedFunds {
		return "", fmt.Errorf("%w: balance %.2f below requested %.2f", ErrInsufficientFunds, balance, requestedFunds)
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("settle: mint token: %w", err)
	}
	now := e.nowFn()
	value := base64.StdEncoding.EncodeToString(buf[:]) + strconv.FormatInt(now.UnixMilli(), 10)

	e.tokensMu.Lock()
	e.tokens[value] = &Token{
		Value:          value,
		Owner:          claimant,
		RequestedFunds: requestedFunds,
		Status:         TokenMinted,
		MintedAt:       now,
	}
	e.tokensMu.Unlock()
	return value, nil
}

// OwnsToken reports whether the token exists and belongs to the claimant.
func (e *Escrow) OwnsToken(claimantID, token string) bool {
	e.tokensMu.RLock()
	defer e.tokensMu.RUnlock()
	entry, ok := e.tokens[token]
	return ok && entry.Owner == strings.TrimSpace(claimantID)
}

// TokenInfo returns a copy of the token record.
func (e *Escrow) TokenInfo(token string) (Token, bool) {
	e.tokensMu.RLock()
	defer e.tokensMu.RUnlock()
	entry, ok := e.tokens[token]
	if !ok {
		return Token{}, false
	}
	return *entry, true
}

// AdvanceToken moves the token's status forward. Backward transitions are
// ignored so a late BOUND notification cannot resurrect an exhausted token.
func (e *Escrow) AdvanceToken(token string, status TokenStatus) error {
	e.tokensMu.Lock()
	defer e.tokensMu.Unlock()
	entry, ok := e.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	if status > entry.Status {
		entry.Status = status
	}
	return nil
}

// SellerIdentity derives the ledger identity recorded for a certificate:
// base64("x509::" + subject + "::" + issuer), matching how the network
// identifies transaction creators.
func SellerIdentity(cert *x509.Certificate) string {
	id := fmt.Sprintf("x509::%s::%s", cert.Subject.String(), cert.Issuer.String())
	return base64.StdEncoding.EncodeToString([]byte(id))
}

// PaySeller verifies the seller's proof of token possession and credits the
// seller for every matching trade not yet paid. The signature is a classical
// PKI signature over the literal token string, checked against the supplied
// certificate, which in turn must chain to a recognized root for the MSP.
// Deduplication runs per (token, trade-sequence) pair through the paid-bid
// set, so replaying the identical claim credits nothing.
func (e *Escrow) PaySeller(sellerID, sellerMSP, token string, cert *x509.Certificate, signature []byte, trades []ledger.TradeRecord) (float64, error) {
	seller := strings.TrimSpace(sellerID)
	if seller == "" || strings.TrimSpace(token) == "" {
		return 0, fmt.Errorf("settle: seller id and token required")
	}
	if cert == nil {
		return 0, fmt.Errorf("%w: certificate required", ErrSignatureInvalid)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, []byte(token), signature); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	e.rootsMu.RLock()
	pool := e.roots[sellerMSP]
	e.rootsMu.RUnlock()
	if pool == nil {
		return 0, fmt.Errorf("%w: no roots configured for msp %s", ErrUntrustedCertificate, sellerMSP)
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}

	identity := SellerIdentity(cert)
	var credited float64
	for _, trade := range trades {
		if trade.SellerMSP != sellerMSP || trade.SellerID != identity {
			continue
		}
		newlyPaid, err := e.paid.MarkPaid(seller, trade.Token, trade.SellerBidNumber)
		if err != nil {
			return credited, err
		}
		if !newlyPaid {
			continue
		}
		amount := trade.QuantityKWH * trade.PricePerKWH
		credited += amount
		e.balancesMu.Lock()
		e.balances[seller] += amount
		e.balancesMu.Unlock()
	}
	return credited, nil
}
