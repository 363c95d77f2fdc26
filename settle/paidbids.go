package settle

import (
	"fmt"
	"strconv"
	"sync"
)

// PaidBidSet records which (token, trade-sequence) pairs each seller has
// already been paid for, enforcing at-most-once payment per discrete matched
// trade. Entries are never removed.
type PaidBidSet struct {
	store  Store
	shards [shardCount]sync.Mutex
}

func NewPaidBidSet(store Store) *PaidBidSet {
	return &PaidBidSet{store: store}
}

func paidKey(sellerID, token string, seq uint64) []byte {
	return []byte("paid:" + sellerID + "|" + token + "|" + strconv.FormatUint(seq, 10))
}

// MarkPaid atomically records the pair for the seller and reports whether it
// was newly inserted. A false return means the trade was paid by an earlier
// call and must not be credited again.
func (s *PaidBidSet) MarkPaid(sellerID, token string, seq uint64) (bool, error) {
	if sellerID == "" || token == "" {
		return false, fmt.Errorf("settle: seller id and token required")
	}
	mu := &s.shards[shardIndex(sellerID)]
	mu.Lock()
	defer mu.Unlock()
	key := paidKey(sellerID, token, seq)
	_, ok, err := s.store.Get(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := s.store.Put(key, []byte{1}); err != nil {
		return false, err
	}
	return true, nil
}
