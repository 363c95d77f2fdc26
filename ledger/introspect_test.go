package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type stubClient struct {
	txs map[string]*CommittedTransaction
}

func (s *stubClient) Submit(ctx context.Context, function string, args ...string) ([]byte, error) {
	return nil, Permanent(fmt.Errorf("submit not supported"))
}

func (s *stubClient) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	return nil, Permanent(fmt.Errorf("evaluate not supported"))
}

func (s *stubClient) QueryTransactionByID(ctx context.Context, txID string) (*CommittedTransaction, error) {
	tx, ok := s.txs[txID]
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown transaction %s", txID))
	}
	return tx, nil
}

func (s *stubClient) Subscribe(ctx context.Context, event string, fn func(payload []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func committedTx(t *testing.T, code ValidationCode, writes []WriteEntry) *CommittedTransaction {
	t.Helper()
	env := envelope{
		Creator: envelopeCreator{
			NymX:          []byte{1, 2, 3},
			NymY:          []byte{4, 5, 6},
			IssuerKeyHash: []byte{7, 8, 9},
		},
		Writes: writes,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &CommittedTransaction{ValidationCode: code, Envelope: raw}
}

func TestIntrospectorClassifiesBuyBid(t *testing.T) {
	client := &stubClient{txs: map[string]*CommittedTransaction{
		"tx-1": committedTx(t, ValidationValid, []WriteEntry{
			{Key: "\x00BuyBidtx-1", Value: json.RawMessage(`{"token":"tok"}`)},
		}),
	}}
	tx, err := NewIntrospector(client).Fetch(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tx.Kind != BidKindBuy {
		t.Fatalf("kind: got %v, want buy", tx.Kind)
	}
	if string(tx.Write.Value) != `{"token":"tok"}` {
		t.Fatalf("unexpected write value %s", tx.Write.Value)
	}
	if tx.CreatorNym.X.Sign() == 0 || tx.CreatorNym.Y.Sign() == 0 {
		t.Fatal("creator pseudonym not extracted")
	}
}

func TestIntrospectorClassifiesSellBid(t *testing.T) {
	client := &stubClient{txs: map[string]*CommittedTransaction{
		"tx-2": committedTx(t, ValidationValid, []WriteEntry{
			{Key: "\x00SellBidtx-2", Value: json.RawMessage(`{}`)},
		}),
	}}
	tx, err := NewIntrospector(client).Fetch(context.Background(), "tx-2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tx.Kind != BidKindSell {
		t.Fatalf("kind: got %v, want sell", tx.Kind)
	}
}

func TestIntrospectorRejectsNonBidShapes(t *testing.T) {
	cases := map[string][]WriteEntry{
		"no writes":     {},
		"two writes":    {{Key: "\x00BuyBida"}, {Key: "\x00BuyBidb"}},
		"other key":     {{Key: "balances/alice", Value: json.RawMessage(`{}`)}},
		"missing marker": {{Key: "BuyBidtx", Value: json.RawMessage(`{}`)}},
	}
	for name, writes := range cases {
		client := &stubClient{txs: map[string]*CommittedTransaction{
			"tx": committedTx(t, ValidationValid, writes),
		}}
		_, err := NewIntrospector(client).Fetch(context.Background(), "tx")
		if !errors.Is(err, ErrNotABid) {
			t.Fatalf("%s: expected ErrNotABid, got %v", name, err)
		}
	}
}

func TestIntrospectorRejectsInvalidatedTransaction(t *testing.T) {
	client := &stubClient{txs: map[string]*CommittedTransaction{
		"tx": committedTx(t, 11, []WriteEntry{
			{Key: "\x00BuyBidtx", Value: json.RawMessage(`{}`)},
		}),
	}}
	_, err := NewIntrospector(client).Fetch(context.Background(), "tx")
	if !errors.Is(err, ErrTxNotValidated) {
		t.Fatalf("expected ErrTxNotValidated, got %v", err)
	}
}

func TestIntrospectorRejectsMissingCreator(t *testing.T) {
	env, err := json.Marshal(envelope{Writes: []WriteEntry{
		{Key: "\x00BuyBidtx", Value: json.RawMessage(`{}`)},
	}})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	client := &stubClient{txs: map[string]*CommittedTransaction{
		"tx": {ValidationCode: ValidationValid, Envelope: env},
	}}
	if _, err := NewIntrospector(client).Fetch(context.Background(), "tx"); err == nil {
		t.Fatal("expected error for envelope without creator pseudonym")
	}
}

func TestIntrospectorRequiresTransactionID(t *testing.T) {
	client := &stubClient{txs: map[string]*CommittedTransaction{}}
	if _, err := NewIntrospector(client).Fetch(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank transaction id")
	}
}
