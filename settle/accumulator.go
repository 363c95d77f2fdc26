package settle

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

const shardCount = 64

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Accumulator maps a claim key to the cumulative amount already credited and
// turns externally reported totals into never-credited-before deltas. Credited
// amounts only grow and never exceed the reported total, so repeating a claim
// yields zero.
type Accumulator struct {
	store  Store
	shards [shardCount]sync.Mutex
}

func NewAccumulator(store Store) *Accumulator {
	return &Accumulator{store: store}
}

func creditedKey(claimKey string) []byte {
	return []byte("credited:" + claimKey)
}

// Settle credits the difference between the ledger-reported total and what was
// already credited under claimKey, and returns that delta. The
// read-compute-write runs under the claim key's shard lock: concurrent calls
// with the same total credit it exactly once between them. Callers must
// resolve the reported total before calling; no ledger interaction happens
// under the lock.
func (a *Accumulator) Settle(claimKey string, reportedTotal float64) (float64, error) {
	if claimKey == "" {
		return 0, fmt.Errorf("settle: claim key required")
	}
	if math.IsNaN(reportedTotal) || math.IsInf(reportedTotal, 0) {
		return 0, fmt.Errorf("settle: reported total must be finite")
	}
	mu := &a.shards[shardIndex(claimKey)]
	mu.Lock()
	defer mu.Unlock()
	already, err := a.load(claimKey)
	if err != nil {
		return 0, err
	}
	delta := reportedTotal - already
	if delta <= 0 {
		return 0, nil
	}
	if err := a.store.Put(creditedKey(claimKey), encodeAmount(already+delta)); err != nil {
		return 0, err
	}
	return delta, nil
}

// Credited returns the cumulative amount recorded under claimKey.
func (a *Accumulator) Credited(claimKey string) (float64, error) {
	mu := &a.shards[shardIndex(claimKey)]
	mu.Lock()
	defer mu.Unlock()
	return a.load(claimKey)
}

func (a *Accumulator) load(claimKey string) (float64, error) {
	raw, ok, err := a.store.Get(creditedKey(claimKey))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeAmount(raw)
}
