package settle

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gridsettle/ledger"
)

// PaymentConfig wires a PaymentService.
type PaymentConfig struct {
	Ledger       ledger.Client
	Transactions TxFetcher
	Verifier     SignatureVerifier
	Nonces       *NonceAuthority
	Accumulator  *Accumulator
	Escrow       *Escrow
	CompanyMSP   string
	Logger       *slog.Logger
}

// PaymentService is the payment company's side of settlement: it escrows
// buyer funds behind opaque tokens, forwards bid validation to the ledger,
// answers buyers' cash-settlement claims, and pays sellers for matched
// trades exactly once.
type PaymentService struct {
	client     ledger.Client
	txs        TxFetcher
	verifier   SignatureVerifier
	nonces     *NonceAuthority
	acc        *Accumulator
	escrow     *Escrow
	companyMSP string
	logger     *slog.Logger
}

func NewPaymentService(cfg PaymentConfig) (*PaymentService, error) {
	if cfg.Ledger == nil || cfg.Transactions == nil || cfg.Verifier == nil {
		return nil, fmt.Errorf("settle: payment service requires ledger, transactions and verifier")
	}
	if cfg.Nonces == nil || cfg.Accumulator == nil || cfg.Escrow == nil {
		return nil, fmt.Errorf("settle: payment service requires nonce authority, accumulator and escrow")
	}
	if cfg.CompanyMSP == "" {
		return nil, fmt.Errorf("settle: company msp required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		client:     cfg.Ledger,
		txs:        cfg.Transactions,
		verifier:   cfg.Verifier,
		nonces:     cfg.Nonces,
		acc:        cfg.Accumulator,
		escrow:     cfg.Escrow,
		companyMSP: cfg.CompanyMSP,
		logger:     logger,
	}, nil
}

// Escrow exposes the fund/token store for the transport layer.
func (s *PaymentService) Escrow() *Escrow { return s.escrow }

// Nonces exposes the nonce authority for the transport layer.
func (s *PaymentService) Nonces() *NonceAuthority { return s.nonces }

func paymentClaimKey(paymentCompanyMSP, token string) string {
	return "funds|" + paymentCompanyMSP + "|" + token
}

// ValidateBid checks token ownership and forwards bid validation to the
// ledger with the token's funding cap. On success the token is marked bound:
// a committed bid now references it.
func (s *PaymentService) ValidateBid(ctx context.Context, claimantID, token string) (string, error) {
	info, ok := s.escrow.TokenInfo(token)
	if !ok || info.Owner != strings.TrimSpace(claimantID) {
		return "", ErrUnknownToken
	}
	result, err := s.client.Submit(ctx, "validateBuyBid", token, strconv.FormatFloat(info.RequestedFunds, 'f', -1, 64))
	if err != nil {
		return "", err
	}
	if err := s.escrow.AdvanceToken(token, TokenBound); err != nil {
		return "", err
	}
	return string(result), nil
}

// Claim verifies a buyer's proof and credits the cash value of matched trades
// never settled before under the bid's claim key. The token advances to
// settling on first credit and to exhausted once the cumulative credit
// reaches its funding cap.
func (s *PaymentService) Claim(ctx context.Context, req ClaimRequest) (float64, error) {
	bid, err := verifyClaim(ctx, s.txs, s.verifier, s.nonces, req)
	if err != nil {
		return 0, err
	}
	trades, err := matchedTrades(ctx, s.client, bid.PaymentCompanyMSP, bid.Token)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, trade := range trades {
		total += trade.QuantityKWH * trade.PricePerKWH
	}
	key := paymentClaimKey(bid.PaymentCompanyMSP, bid.Token)
	delta, err := s.acc.Settle(key, total)
	if err != nil {
		return 0, err
	}
	s.advanceAfterCredit(bid.Token, key, delta)
	s.logger.Info("payment claim settled",
		"claimant", req.ClaimantID,
		"tx", req.TxID,
		"total", total,
		"credited", delta,
	)
	return delta, nil
}

// SellerClaim pays a seller for trades matched against the claimed token.
// Proof of token possession is a classical certificate signature; the escrow
// performs the verification and the per-trade deduplication.
func (s *PaymentService) SellerClaim(ctx context.Context, sellerID, sellerMSP, token string, cert *x509.Certificate, signature []byte) (float64, error) {
	trades, err := matchedTrades(ctx, s.client, s.companyMSP, token)
	if err != nil {
		return 0, err
	}
	credited, err := s.escrow.PaySeller(sellerID, sellerMSP, token, cert, signature, trades)
	if err != nil {
		return 0, err
	}
	s.logger.Info("seller claim settled",
		"seller", sellerID,
		"msp", sellerMSP,
		"credited", credited,
	)
	return credited, nil
}

type settlementEvent struct {
	Token string `json:"token"`
}

// WatchSettlements subscribes to auction-settled events and advances affected
// tokens to settling, so their state reflects ledger activity even before the
// owner claims. Blocks until ctx is cancelled.
func (s *PaymentService) WatchSettlements(ctx context.Context) error {
	return s.client.Subscribe(ctx, "auction-settled", func(payload []byte) {
		var evt settlementEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.logger.Warn("malformed settlement event", "error", err)
			return
		}
		if evt.Token == "" {
			return
		}
		if err := s.escrow.AdvanceToken(evt.Token, TokenSettling); err != nil {
			s.logger.Debug("settlement event for unknown token", "token", evt.Token)
		}
	})
}

func (s *PaymentService) advanceAfterCredit(token, claimKey string, delta float64) {
	info, ok := s.escrow.TokenInfo(token)
	if !ok {
		return
	}
	if delta > 0 {
		_ = s.escrow.AdvanceToken(token, TokenSettling)
	}
	credited, err := s.acc.Credited(claimKey)
	if err != nil {
		return
	}
	if credited >= info.RequestedFunds {
		_ = s.escrow.AdvanceToken(token, TokenExhausted)
	}
}
