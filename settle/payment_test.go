package settle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gridsettle/ledger"
)

func fundedToken(f *claimFixture, t *testing.T, claimant string, funds float64) string {
	t.Helper()
	if err := f.escrow.Deposit(claimant, funds); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	token, err := f.escrow.MintToken(claimant, funds)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestPaymentValidateBidForwardsToLedger(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	token := fundedToken(f, t, "alice", 50)

	result, err := svc.ValidateBid(context.Background(), "alice", token)
	if err != nil {
		t.Fatalf("validate bid: %v", err)
	}
	if result != `"ok"` {
		t.Fatalf("unexpected result %q", result)
	}

	f.chain.mu.Lock()
	submits := f.chain.submits
	f.chain.mu.Unlock()
	if len(submits) != 1 || submits[0].Function != "validateBuyBid" {
		t.Fatalf("unexpected submits %+v", submits)
	}
	if len(submits[0].Args) != 2 || submits[0].Args[0] != token || submits[0].Args[1] != "50" {
		t.Fatalf("unexpected args %v", submits[0].Args)
	}

	info, _ := f.escrow.TokenInfo(token)
	if info.Status != TokenBound {
		t.Fatalf("token status %v, want bound", info.Status)
	}
}

func TestPaymentValidateBidRejectsForeignToken(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	token := fundedToken(f, t, "alice", 50)

	if _, err := svc.ValidateBid(context.Background(), "bob", token); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("foreign token: expected ErrUnknownToken, got %v", err)
	}
	if _, err := svc.ValidateBid(context.Background(), "alice", "missing"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("missing token: expected ErrUnknownToken, got %v", err)
	}
}

func TestPaymentClaimCreditsCashOnce(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	token := fundedToken(f, t, "alice", 100)

	f.chain.storeTx(t, "tx-1", ledger.ValidationValid, f.cred, f.ipk, buyBidKeyPrefix, ledger.BuyBid{
		PaymentCompanyMSP: "PayCoMSP",
		Token:             token,
		UtilityMSP:        "UtilityMSP",
	})
	f.chain.setTrades(t, "PayCoMSP", token, []ledger.TradeRecord{
		{UtilityMSP: "UtilityMSP", QuantityKWH: 10, PricePerKWH: 2, Token: token},
		{UtilityMSP: "OtherUtility", QuantityKWH: 5, PricePerKWH: 4, Token: token},
	})

	credited, err := svc.Claim(context.Background(), f.claim(t, "alice", "tx-1"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if credited != 40 {
		t.Fatalf("credited: got %v, want 40", credited)
	}
	info, _ := f.escrow.TokenInfo(token)
	if info.Status != TokenSettling {
		t.Fatalf("token status %v, want settling", info.Status)
	}

	credited, err = svc.Claim(context.Background(), f.claim(t, "alice", "tx-1"))
	if err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	if credited != 0 {
		t.Fatalf("repeat claim credited %v, want 0", credited)
	}
}

func TestPaymentClaimExhaustsTokenAtFundingCap(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	token := fundedToken(f, t, "alice", 30)

	f.chain.storeTx(t, "tx-1", ledger.ValidationValid, f.cred, f.ipk, buyBidKeyPrefix, ledger.BuyBid{
		PaymentCompanyMSP: "PayCoMSP",
		Token:             token,
	})
	f.chain.setTrades(t, "PayCoMSP", token, []ledger.TradeRecord{
		{QuantityKWH: 10, PricePerKWH: 3, Token: token},
	})

	credited, err := svc.Claim(context.Background(), f.claim(t, "alice", "tx-1"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if credited != 30 {
		t.Fatalf("credited: got %v, want 30", credited)
	}
	info, _ := f.escrow.TokenInfo(token)
	if info.Status != TokenExhausted {
		t.Fatalf("token status %v, want exhausted", info.Status)
	}
}

func TestPaymentSellerClaim(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	pki := newSellerPKI(t, "seller-1")
	f.escrow.SetTrustRoots("SellerMSP", pki.rootPool)

	const token = "tok-seller"
	identity := SellerIdentity(pki.cert)
	f.chain.setTrades(t, "PayCoMSP", token, []ledger.TradeRecord{
		{SellerMSP: "SellerMSP", SellerID: identity, SellerBidNumber: 1, Token: token, QuantityKWH: 4, PricePerKWH: 5},
	})

	credited, err := svc.SellerClaim(context.Background(), "seller-1", "SellerMSP", token, pki.cert, signToken(t, pki.key, token))
	if err != nil {
		t.Fatalf("seller claim: %v", err)
	}
	if credited != 20 {
		t.Fatalf("credited: got %v, want 20", credited)
	}
	if got := f.escrow.Balance("seller-1"); got != 20 {
		t.Fatalf("seller balance: got %v, want 20", got)
	}
}

func TestPaymentWatchSettlementsAdvancesTokens(t *testing.T) {
	f := newClaimFixture(t)
	svc := f.paymentService(t)
	token := fundedToken(f, t, "alice", 10)

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.chain.mu.Lock()
	f.chain.events = [][]byte{payload, []byte("not json"), []byte(`{"token":"unknown"}`)}
	f.chain.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = svc.WatchSettlements(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("watch: expected deadline, got %v", err)
	}

	info, _ := f.escrow.TokenInfo(token)
	if info.Status != TokenSettling {
		t.Fatalf("token status %v, want settling", info.Status)
	}
}
