package settle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gridsettle/credential"
	"gridsettle/ledger"
)

// ClaimRequest carries a claimant's proof that it created a committed bid
// registration: the transaction ID, the issuer public key its credential was
// certified under, and a pseudonym signature over the transaction ID
// concatenated with the claimant's active nonce.
type ClaimRequest struct {
	ClaimantID string
	TxID       string
	IssuerKey  []byte
	Signature  []byte
}

// TxFetcher abstracts transaction introspection for the services.
type TxFetcher interface {
	Fetch(ctx context.Context, txID string) (*ledger.Transaction, error)
}

// SignatureVerifier abstracts the anonymous-credential primitive the services
// delegate pseudonym-signature checks to.
type SignatureVerifier interface {
	Verify(nym credential.Pseudonym, issuerKeyHash, issuerKey, msg, sig []byte) error
}

// challengeMessage is what the claimant must have signed: the transaction ID
// concatenated with the decimal nonce. Binding both prevents reusing a
// signature for a different transaction or challenge.
func challengeMessage(txID string, nonce uint64) []byte {
	return []byte(txID + strconv.FormatUint(nonce, 10))
}

// verifyClaim runs the shared proof checks for a buy-bid claim: introspect
// the transaction, verify the pseudonym signature against the active nonce,
// and consume the nonce. It returns the decoded bid. The transaction fetch
// happens before any nonce state is touched, and no lock is held across it.
func verifyClaim(ctx context.Context, fetcher TxFetcher, verifier SignatureVerifier, nonces *NonceAuthority, req ClaimRequest) (*ledger.BuyBid, error) {
	claimant := strings.TrimSpace(req.ClaimantID)
	if claimant == "" {
		return nil, fmt.Errorf("settle: claimant id required")
	}
	tx, err := fetcher.Fetch(ctx, req.TxID)
	if err != nil {
		return nil, err
	}
	if tx.Kind != ledger.BidKindBuy {
		return nil, fmt.Errorf("%w: write is not a buy bid", ledger.ErrNotABid)
	}
	nonce, ok := nonces.Current(claimant)
	if !ok {
		return nil, ErrReplay
	}
	msg := challengeMessage(tx.ID, nonce)
	if err := verifier.Verify(tx.CreatorNym, tx.IssuerKeyHash, req.IssuerKey, msg, req.Signature); err != nil {
		return nil, err
	}
	if err := nonces.Consume(claimant, nonce); err != nil {
		return nil, err
	}
	return ledger.DecodeBuyBid(tx.Write.Value)
}

// matchedTrades queries the ledger for trade records tied to the claim key.
func matchedTrades(ctx context.Context, client ledger.Client, paymentCompanyMSP, token string) ([]ledger.TradeRecord, error) {
	raw, err := client.Evaluate(ctx, "getEnergyTransactionsFromPaymentToken", paymentCompanyMSP, token)
	if err != nil {
		return nil, err
	}
	return ledger.DecodeTradeRecords(raw)
}
