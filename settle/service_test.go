package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"gridsettle/credential"
	"gridsettle/ledger"
)

type submittedCall struct {
	Function string
	Args     []string
}

// mockLedger is an in-memory stand-in for the consensus gateway.
type mockLedger struct {
	mu      sync.Mutex
	txs     map[string]*ledger.CommittedTransaction
	trades  map[string][]byte
	submits []submittedCall
	events  [][]byte
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		txs:    make(map[string]*ledger.CommittedTransaction),
		trades: make(map[string][]byte),
	}
}

func tradeQueryKey(companyMSP, token string) string {
	return companyMSP + "|" + token
}

func (m *mockLedger) setTrades(t *testing.T, companyMSP, token string, trades []ledger.TradeRecord) {
	t.Helper()
	raw, err := json.Marshal(trades)
	if err != nil {
		t.Fatalf("marshal trades: %v", err)
	}
	m.mu.Lock()
	m.trades[tradeQueryKey(companyMSP, token)] = raw
	m.mu.Unlock()
}

func (m *mockLedger) Submit(ctx context.Context, function string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, submittedCall{Function: function, Args: args})
	return []byte(`"ok"`), nil
}

func (m *mockLedger) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	if function != "getEnergyTransactionsFromPaymentToken" || len(args) != 2 {
		return nil, ledger.Permanent(fmt.Errorf("unexpected query %s %v", function, args))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.trades[tradeQueryKey(args[0], args[1])]
	if !ok {
		return []byte("[]"), nil
	}
	return raw, nil
}

func (m *mockLedger) QueryTransactionByID(ctx context.Context, txID string) (*ledger.CommittedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ledger.Permanent(fmt.Errorf("unknown transaction %s", txID))
	}
	return tx, nil
}

func (m *mockLedger) Subscribe(ctx context.Context, event string, fn func(payload []byte)) error {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()
	for _, payload := range events {
		fn(payload)
	}
	<-ctx.Done()
	return ctx.Err()
}

// storeTx records a committed bid-registration transaction created under the
// given credential.
func (m *mockLedger) storeTx(t *testing.T, txID string, code ledger.ValidationCode, cred *credential.Credential, ipk *credential.IssuerPublicKey, keyPrefix string, record any) {
	t.Helper()
	value, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	nym := cred.Pseudonym()
	env := map[string]any{
		"creator": map[string]any{
			"nymx":          nym.X.Bytes(),
			"nymy":          nym.Y.Bytes(),
			"issuerkeyhash": ipk.Hash(),
		},
		"writes": []map[string]any{
			{"key": keyPrefix + txID, "value": json.RawMessage(value)},
		},
	}
	envelope, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	m.mu.Lock()
	m.txs[txID] = &ledger.CommittedTransaction{ValidationCode: code, Envelope: envelope}
	m.mu.Unlock()
}

type claimFixture struct {
	chain  *mockLedger
	ipk    *credential.IssuerPublicKey
	cred   *credential.Credential
	nonces *NonceAuthority
	acc    *Accumulator
	escrow *Escrow
}

func newClaimFixture(t *testing.T) *claimFixture {
	t.Helper()
	ipk, err := credential.GenerateIssuerKey()
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	cred, err := credential.NewCredential(ipk)
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	store := NewMemStore()
	return &claimFixture{
		chain:  newMockLedger(),
		ipk:    ipk,
		cred:   cred,
		nonces: NewNonceAuthority(),
		acc:    NewAccumulator(store),
		escrow: NewEscrow(NewPaidBidSet(store)),
	}
}

// claim issues a fresh nonce, signs the challenge and builds the request.
func (f *claimFixture) claim(t *testing.T, claimant, txID string) ClaimRequest {
	t.Helper()
	nonce, err := f.nonces.Issue(claimant)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	sig, err := f.cred.Sign(f.ipk, challengeMessage(txID, nonce))
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	return ClaimRequest{
		ClaimantID: claimant,
		TxID:       txID,
		IssuerKey:  f.ipk.Bytes(),
		Signature:  sig,
	}
}

func (f *claimFixture) discountService(t *testing.T) *DiscountService {
	t.Helper()
	svc, err := NewDiscountService(DiscountConfig{
		Ledger:       f.chain,
		Transactions: ledger.NewIntrospector(f.chain),
		Verifier:     credential.Verifier{},
		Nonces:       f.nonces,
		Accumulator:  f.acc,
		UtilityMSP:   "UtilityMSP",
	})
	if err != nil {
		t.Fatalf("new discount service: %v", err)
	}
	return svc
}

func (f *claimFixture) paymentService(t *testing.T) *PaymentService {
	t.Helper()
	svc, err := NewPaymentService(PaymentConfig{
		Ledger:       f.chain,
		Transactions: ledger.NewIntrospector(f.chain),
		Verifier:     credential.Verifier{},
		Nonces:       f.nonces,
		Accumulator:  f.acc,
		Escrow:       f.escrow,
		CompanyMSP:   "PayCoMSP",
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return svc
}
