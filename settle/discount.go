package settle

import (
	"context"
	"fmt"
	"log/slog"

	"gridsettle/ledger"
)

// DiscountConfig wires a DiscountService.
type DiscountConfig struct {
	Ledger       ledger.Client
	Transactions TxFetcher
	Verifier     SignatureVerifier
	Nonces       *NonceAuthority
	Accumulator  *Accumulator
	UtilityMSP   string
	Logger       *slog.Logger
}

// DiscountService answers buyers' energy-discount claims for one utility: it
// proves the claimant created the referenced buy bid, totals the energy the
// utility delivered against the bid's token, and credits only the part never
// discounted before.
type DiscountService struct {
	client     ledger.Client
	txs        TxFetcher
	verifier   SignatureVerifier
	nonces     *NonceAuthority
	acc        *Accumulator
	utilityMSP string
	logger     *slog.Logger
}

func NewDiscountService(cfg DiscountConfig) (*DiscountService, error) {
	if cfg.Ledger == nil || cfg.Transactions == nil || cfg.Verifier == nil {
		return nil, fmt.Errorf("settle: discount service requires ledger, transactions and verifier")
	}
	if cfg.Nonces == nil || cfg.Accumulator == nil {
		return nil, fmt.Errorf("settle: discount service requires nonce authority and accumulator")
	}
	if cfg.UtilityMSP == "" {
		return nil, fmt.Errorf("settle: utility msp required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscountService{
		client:     cfg.Ledger,
		txs:        cfg.Transactions,
		verifier:   cfg.Verifier,
		nonces:     cfg.Nonces,
		acc:        cfg.Accumulator,
		utilityMSP: cfg.UtilityMSP,
		logger:     logger,
	}, nil
}

func discountClaimKey(paymentCompanyMSP, token string) string {
	return "kwh|" + paymentCompanyMSP + "|" + token
}

// Claim verifies the proof and returns the kWh never discounted before for
// the bid's claim key. Verification failures credit nothing and mutate no
// state beyond consuming the nonce.
func (s *DiscountService) Claim(ctx context.Context, req ClaimRequest) (float64, error) {
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
		if trade.UtilityMSP == s.utilityMSP {
			total += trade.QuantityKWH
		}
	}
	delta, err := s.acc.Settle(discountClaimKey(bid.PaymentCompanyMSP, bid.Token), total)
	if err != nil {
		return 0, err
	}
	s.logger.Info("discount claim settled",
		"claimant", req.ClaimantID,
		"tx", req.TxID,
		"total_kwh", total,
		"credited_kwh", delta,
	)
	return delta, nil
}
