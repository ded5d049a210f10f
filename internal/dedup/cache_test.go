package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdmitRejectsDuplicate(t *testing.T) {
	c := NewCache(10)
	h := ComputeHash("/app/1/chat/proto", []byte("hi"), time.UnixMilli(1000), "/waku/2/rs/0/0")
	if !c.Admit(h) {
		t.Fatal("first admit must succeed")
	}
	if c.Admit(h) {
		t.Fatal("second admit of same hash must be rejected")
	}
}

func TestCacheBoundIsFIFO(t *testing.T) {
	const capacity = 100
	c := NewCache(capacity)
	hashes := make([]Hash, 0, 150)
	for i := 0; i < 150; i++ {
		h := ComputeHash("ct", []byte(fmt.Sprintf("m-%d", i)), time.UnixMilli(int64(i)), "ps")
		hashes = append(hashes, h)
		if !c.Admit(h) {
			t.Fatalf("distinct hash %d rejected", i)
		}
		if i == 10 {
			// a duplicate probe must not refresh the entry
			if c.Admit(hashes[0]) {
				t.Fatal("duplicate admitted")
			}
		}
	}
	if c.Len() != capacity {
		t.Fatalf("expected %d entries, got %d", capacity, c.Len())
	}
	for i := 0; i < 50; i++ {
		if c.Contains(hashes[i]) {
			t.Fatalf("hash %d should have been evicted", i)
		}
	}
	for i := 50; i < 150; i++ {
		if !c.Contains(hashes[i]) {
			t.Fatalf("hash %d should still be cached", i)
		}
	}
}

func TestComputeHashIgnoresSubMillisecondPrecision(t *testing.T) {
	ms := time.UnixMilli(1_700_000_000_123)
	withNanos := ms.Add(456789 * time.Nanosecond)
	if ComputeHash("ct", []byte("p"), withNanos, "ps") != ComputeHash("ct", []byte("p"), ms, "ps") {
		t.Fatal("a millisecond round trip must not change the hash")
	}
}

func TestComputeHashCoversAllFields(t *testing.T) {
	ts := time.UnixMilli(42)
	base := ComputeHash("ct", []byte("p"), ts, "ps")
	variants := []Hash{
		ComputeHash("ct2", []byte("p"), ts, "ps"),
		ComputeHash("ct", []byte("p2"), ts, "ps"),
		ComputeHash("ct", []byte("p"), ts.Add(time.Millisecond), "ps"),
		ComputeHash("ct", []byte("p"), ts, "ps2"),
		ComputeHash("ctp", []byte(""), ts, "ps"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base hash", i)
		}
	}
	if again := ComputeHash("ct", []byte("p"), ts, "ps"); again != base {
		t.Fatal("hash must be deterministic")
	}
}

func TestHashStringRoundTrip(t *testing.T) {
	h := ComputeHash("ct", []byte("p"), time.UnixMilli(1), "ps")
	parsed, ok := ParseHash(h.String())
	if !ok || parsed != h {
		t.Fatalf("parse mismatch: %v %v", parsed, ok)
	}
	if _, ok := ParseHash("not-base58-0OIl"); ok {
		t.Fatal("expected invalid hash text to fail")
	}
}

func TestConcurrentAdmitIsAtomic(t *testing.T) {
	c := NewCache(10)
	h := ComputeHash("ct", []byte("race"), time.UnixMilli(1), "ps")
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(h) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted.Load())
	}
}
