package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)

	c.Set("a", 1, 0)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("不存在的键不应命中")
	}
}

func TestExpiry(t *testing.T) {
	c := NewInMemoryCache[string, string](time.Minute)

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("过期项不应命中")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := NewInMemoryCache[int, int](time.Minute)

	c.Set(1, 10, 0)
	c.Set(2, 20, 0)
	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("Delete 后仍命中")
	}
	if got := c.Size(); got != 1 {
		t.Fatalf("Size = %d, want 1", got)
	}
	c.Clear()
	if got := c.Size(); got != 0 {
		t.Fatalf("Clear 后 Size = %d, want 0", got)
	}
}
