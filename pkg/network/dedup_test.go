package network

import (
	"sync"
	"testing"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

func key(b byte) MessageKey {
	return KeyOf(delta.Message{Signature: []byte{b}})
}

func TestSeenCache_DefaultCapacity(t *testing.T) {
	if c := NewSeenCache(0); c.capacity != 1000 {
		t.Errorf("expected default capacity 1000, got %d", c.capacity)
	}
	if c := NewSeenCache(-5); c.capacity != 1000 {
		t.Errorf("expected default capacity 1000, got %d", c.capacity)
	}
}

func TestSeenCache_MarkSeen(t *testing.T) {
	c := NewSeenCache(3)

	if !c.MarkSeen(key(1)) {
		t.Error("first sighting should be new")
	}
	if c.MarkSeen(key(1)) {
		t.Error("second sighting should not be new")
	}
	if !c.Contains(key(1)) || c.Contains(key(2)) {
		t.Error("unexpected membership")
	}
	if c.Size() != 1 {
		t.Errorf("expected size 1, got %d", c.Size())
	}
}

func TestSeenCache_EvictsLeastRecent(t *testing.T) {
	c := NewSeenCache(2)
	c.MarkSeen(key(1))
	c.MarkSeen(key(2))
	c.MarkSeen(key(1)) // refresh 1, 2 is now the oldest
	c.MarkSeen(key(3))

	if c.Contains(key(2)) {
		t.Error("key 2 should have been evicted")
	}
	if !c.Contains(key(1)) || !c.Contains(key(3)) {
		t.Error("keys 1 and 3 should be cached")
	}
	if c.Size() != 2 {
		t.Errorf("expected size 2, got %d", c.Size())
	}
}

func TestSeenCache_KeyOfDependsOnSignature(t *testing.T) {
	a := delta.Message{Signature: []byte("sig-a"), DailyTLOTIncreaseAllowance: 1}
	b := delta.Message{Signature: []byte("sig-a"), DailyTLOTIncreaseAllowance: 2}
	if KeyOf(a) != KeyOf(b) {
		t.Error("keys should only depend on the signature")
	}
	if KeyOf(a) == key(1) {
		t.Error("different signatures should give different keys")
	}
}

func TestSeenCache_Concurrent(t *testing.T) {
	c := NewSeenCache(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.MarkSeen(key(byte(g*100 + i)))
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > 64 {
		t.Errorf("cache should never exceed its capacity, got %d", c.Size())
	}
}
