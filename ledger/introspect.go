package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"gridsettle/credential"
)

// Committed keys written under a private namespace carry a leading zero byte
// before the record-type prefix.
const (
	namespaceMarker = "\x00"
	buyBidPrefix    = namespaceMarker + "BuyBid"
	sellBidPrefix   = namespaceMarker + "SellBid"
)

var (
	// ErrNotABid rejects transactions whose write-set is not exactly one
	// private-namespace bid registration entry.
	ErrNotABid = errors.New("ledger: transaction is not a bid registration")
	// ErrTxNotValidated rejects transactions the ledger committed with a
	// non-valid verdict; their write-set never took effect.
	ErrTxNotValidated = errors.New("ledger: transaction not validated")
)

// BidKind classifies which side of the market a bid registration belongs to.
type BidKind uint8

const (
	BidKindBuy BidKind = iota + 1
	BidKindSell
)

// WriteEntry is one state mutation recorded by a committed transaction.
type WriteEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type envelopeCreator struct {
	NymX          []byte `json:"nymx"`
	NymY          []byte `json:"nymy"`
	IssuerKeyHash []byte `json:"issuerkeyhash"`
}

// envelope is the typed schema of a committed transaction envelope: the
// creator's pseudonymous identity plus the write-set.
type envelope struct {
	Creator envelopeCreator `json:"creator"`
	Writes  []WriteEntry    `json:"writes"`
}

// Transaction is the introspected view of a committed bid registration.
type Transaction struct {
	ID            string
	Kind          BidKind
	Write         WriteEntry
	CreatorNym    credential.Pseudonym
	IssuerKeyHash []byte
}

// Introspector fetches committed transactions and reduces them to the shape
// settlement verification needs: validation verdict, bid classification and
// the creator's pseudonym binding.
type Introspector struct {
	client Client
}

func NewIntrospector(client Client) *Introspector {
	return &Introspector{client: client}
}

// Fetch retrieves txID, requires a valid commit verdict, classifies the
// write-set and extracts the creator's pseudonym and issuer-key hash. The
// pseudonym and hash are opaque here; the credential verifier interprets
// them.
func (i *Introspector) Fetch(ctx context.Context, txID string) (*Transaction, error) {
	if strings.TrimSpace(txID) == "" {
		return nil, Permanent(fmt.Errorf("transaction id required"))
	}
	committed, err := i.client.QueryTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if committed.ValidationCode != ValidationValid {
		return nil, fmt.Errorf("%w: validation code %d", ErrTxNotValidated, committed.ValidationCode)
	}
	var env envelope
	if err := json.Unmarshal(committed.Envelope, &env); err != nil {
		return nil, Permanent(fmt.Errorf("decode envelope for %s: %w", txID, err))
	}
	kind, write, err := classifyWrites(env.Writes)
	if err != nil {
		return nil, err
	}
	if len(env.Creator.NymX) == 0 || len(env.Creator.NymY) == 0 {
		return nil, Permanent(fmt.Errorf("envelope for %s missing creator pseudonym", txID))
	}
	if len(env.Creator.IssuerKeyHash) == 0 {
		return nil, Permanent(fmt.Errorf("envelope for %s missing issuer key hash", txID))
	}
	return &Transaction{
		ID:    txID,
		Kind:  kind,
		Write: write,
		CreatorNym: credential.Pseudonym{
			X: new(big.Int).SetBytes(env.Creator.NymX),
			Y: new(big.Int).SetBytes(env.Creator.NymY),
		},
		IssuerKeyHash: env.Creator.IssuerKeyHash,
	}, nil
}

// classifyWrites applies the bid-registration rule: exactly one write whose
// key carries the private-namespace marker and a BuyBid or SellBid prefix.
func classifyWrites(writes []WriteEntry) (BidKind, WriteEntry, error) {
	if len(writes) != 1 {
		return 0, WriteEntry{}, fmt.Errorf("%w: %d writes", ErrNotABid, len(writes))
	}
	write := writes[0]
	switch {
	case strings.HasPrefix(write.Key, buyBidPrefix):
		return BidKindBuy, write, nil
	case strings.HasPrefix(write.Key, sellBidPrefix):
		return BidKindSell, write, nil
	default:
		return 0, WriteEntry{}, fmt.Errorf("%w: key %q", ErrNotABid, strings.TrimPrefix(write.Key, namespaceMarker))
	}
}
