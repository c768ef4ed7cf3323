package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

func newTestCache(capacity int, limiter *RateLimiter) *Cache {
	return New(engine.New(engine.Config{}), capacity, limiter)
}

func TestGetOrCompileCachesResult(t *testing.T) {
	c := newTestCache(10, nil)
	s := script.Script{Lang: script.LangLua, Source: "return 1"}

	first, err := c.GetOrCompile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := c.GetOrCompile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Error("expected cached pointer on second lookup")
	}
	if c.Len() != 1 {
		t.Errorf("expected one entry, got %d", c.Len())
	}
}

func TestCompileErrorNotCached(t *testing.T) {
	c := newTestCache(10, nil)
	s := script.Script{Lang: script.LangLua, Source: "return ++"}

	if _, err := c.GetOrCompile(s); err == nil {
		t.Fatal("expected compile error")
	}
	if c.Len() != 0 {
		t.Errorf("broken scripts must not be cached, got %d entries", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(3, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.GetOrCompile(script.Script{Source: fmt.Sprintf("return %d", i)}); err != nil {
			t.Fatalf("compile %d: %v", i, err)
		}
	}

	// Touch the oldest so it survives the next insert.
	oldest := script.Script{Source: "return 0"}.Normalized()
	if _, ok := c.Get(oldest.CacheKey()); !ok {
		t.Fatal("expected entry for script 0")
	}

	if _, err := c.GetOrCompile(script.Script{Source: "return 99"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	if c.Len() != 3 {
		t.Errorf("capacity exceeded: %d entries", c.Len())
	}
	if _, ok := c.Get(oldest.CacheKey()); !ok {
		t.Error("recently used entry was evicted")
	}
	evicted := script.Script{Source: "return 1"}.Normalized()
	if _, ok := c.Get(evicted.CacheKey()); ok {
		t.Error("least recently used entry survived eviction")
	}
}

func TestRateLimiterBlocksCompilation(t *testing.T) {
	limiter := NewRateLimiter(2, time.Hour)
	c := newTestCache(10, limiter)

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompile(script.Script{Source: fmt.Sprintf("return %d", i)}); err != nil {
			t.Fatalf("compile %d: %v", i, err)
		}
	}

	_, err := c.GetOrCompile(script.Script{Source: "return 42"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Hits must not consume tokens.
	if _, err := c.GetOrCompile(script.Script{Source: "return 0"}); err != nil {
		t.Errorf("cache hit should bypass the limiter: %v", err)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	limiter := NewRateLimiter(1, time.Second)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	if !limiter.Allow() {
		t.Fatal("bucket should start full")
	}
	if limiter.Allow() {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(1100 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("bucket should refill after the window")
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		expr    string
		wantNil bool
		wantErr bool
	}{
		{"150/5m", false, false},
		{"", false, false},
		{"0", true, false},
		{"off", true, false},
		{"abc", false, true},
		{"10/xyz", false, true},
		{"-1/5m", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			limiter, err := ParseRate(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil && limiter != nil {
				t.Error("expected nil limiter")
			}
			if !tt.wantNil && limiter == nil {
				t.Error("expected limiter")
			}
		})
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *RateLimiter
	if !limiter.Allow() {
		t.Error("nil limiter must always allow")
	}
}
