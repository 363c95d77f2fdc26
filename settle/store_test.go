package settle

import (
	"path/filepath"
	"testing"
)

func TestMemStoreReturnsCopies(t *testing.T) {
	store := NewMemStore()
	value := []byte{1, 2, 3}
	if err := store.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 9

	got, ok, err := store.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: (%v, %v)", ok, err)
	}
	if got[0] != 1 {
		t.Fatal("stored value aliased the caller's slice")
	}
	got[1] = 9
	again, _, _ := store.Get([]byte("k"))
	if again[1] != 2 {
		t.Fatal("returned value aliased the stored slice")
	}
}

func TestLevelStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle")
	store, err := OpenLevelStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	acc := NewAccumulator(store)
	if _, err := acc.Settle("k", 75); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = OpenLevelStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	acc = NewAccumulator(store)
	delta, err := acc.Settle("k", 75)
	if err != nil {
		t.Fatalf("settle after reopen: %v", err)
	}
	if delta != 0 {
		t.Fatalf("credit repeated after restart: got %v, want 0", delta)
	}
	credited, err := acc.Credited("k")
	if err != nil {
		t.Fatalf("credited: %v", err)
	}
	if credited != 75 {
		t.Fatalf("credited: got %v, want 75", credited)
	}
}

func TestAmountEncodingRoundtrip(t *testing.T) {
	for _, v := range []float64{0, 1, 0.1, 12345.6789, -3.5} {
		got, err := decodeAmount(encodeAmount(v))
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if got != v {
			t.Fatalf("roundtrip %v: got %v", v, got)
		}
	}
	if _, err := decodeAmount([]byte{1, 2}); err == nil {
		t.Fatal("expected error for truncated encoding")
	}
}
