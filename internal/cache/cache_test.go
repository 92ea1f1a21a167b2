package cache

import (
	"strings"
	"testing"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

func TestKeyIsStableForEquivalentRequests(t *testing.T) {
	req := domain.Request{
		Prompt:  "Hello, World!",
		Context: domain.RequestContext{Domain: domain.DomainGeneral, Locale: "en-US"},
	}
	req2 := domain.Request{
		Prompt:  "hello, world!",
		Context: domain.RequestContext{Domain: domain.DomainGeneral, Locale: "en-US"},
	}
	if Key(req) != Key(req2) {
		t.Error("normalized-equivalent prompts should produce the same key")
	}
}

func TestKeyDiffersOnDomain(t *testing.T) {
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	req2 := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainSupport}}
	if Key(req) == Key(req2) {
		t.Error("different domains should produce different keys")
	}
}

func TestKeyHasStablePrefixAndBound(t *testing.T) {
	key := Key(domain.Request{Prompt: "x"})
	if !strings.HasPrefix(key, keyPrefix) {
		t.Errorf("key %q missing prefix %q", key, keyPrefix)
	}
	if len(key) > maxKeyLen {
		t.Errorf("key length %d exceeds cap %d", len(key), maxKeyLen)
	}
}

func TestSetThenGetHit(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(DefaultConfig(), clk)
	resp := domain.Response{Success: true, Text: "answer", RequestID: "r1"}
	if err := c.Set("k1", resp, domain.DomainGeneral); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if !got.Cached {
		t.Error("expected Cached=true on hit")
	}
	if got.Text != "answer" {
		t.Errorf("got text %q, want answer", got.Text)
	}
}

func TestSetSkipsErrorResponses(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(DefaultConfig(), clk)
	resp := domain.Response{Success: false, ErrorKind: domain.ErrProviderTimeout}
	if err := c.Set("k1", resp, domain.DomainGeneral); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Get("k1"); ok {
		t.Fatal("error responses must never be cached")
	}
}

func TestGetExpiresEntryAfterTTL(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.BaseTTLSeconds = 10
	c := New(cfg, clk)
	resp := domain.Response{Success: true}
	if err := c.Set("k1", resp, domain.DomainLegal); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	clk.Advance(11 * time.Second)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected entry to be expired")
	}
	if c.Size() != 0 {
		t.Error("expired entry should be deleted lazily on access")
	}
}

func TestComputeTTLAppliesDomainAndCostMultipliers(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.BaseTTLSeconds = 100
	c := New(cfg, clk)

	expensiveSupport := domain.Response{Success: true, CostEuro: 0.02}
	c.Set("support", expensiveSupport, domain.DomainSupport)
	entry, _ := c.Entry("support")
	if entry.TTLSeconds != 100 {
		t.Errorf("got TTL %d, want 100 (100*2*0.5)", entry.TTLSeconds)
	}

	cheapGeneral := domain.Response{Success: true, CostEuro: 0.001}
	c.Set("general", cheapGeneral, domain.DomainGeneral)
	entry2, _ := c.Entry("general")
	if entry2.TTLSeconds != 150 {
		t.Errorf("got TTL %d, want 150 (100*1.5)", entry2.TTLSeconds)
	}
}

func TestCompressesLargeResponses(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 16
	c := New(cfg, clk)

	big := domain.Response{Success: true, Text: strings.Repeat("x", 1000)}
	if err := c.Set("k1", big, domain.DomainGeneral); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	entry, ok := c.Entry("k1")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if !entry.Compressed {
		t.Error("expected large response to be compressed")
	}
	if entry.Response.Text != big.Text {
		t.Error("decompressed text should round-trip exactly")
	}
}

func TestEvictsOldestWhenOverCapacity(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 2
	c := New(cfg, clk)

	c.Set("a", domain.Response{Success: true}, domain.DomainGeneral)
	clk.Advance(time.Millisecond)
	c.Set("b", domain.Response{Success: true}, domain.DomainGeneral)
	clk.Advance(time.Millisecond)
	c.Set("c", domain.Response{Success: true}, domain.DomainGeneral)

	if c.Size() != 2 {
		t.Fatalf("got size %d, want 2", c.Size())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected oldest entry 'a' to have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected most recent entry 'c' to survive")
	}
}

func TestAccessCountIncrementsOnHit(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(DefaultConfig(), clk)
	c.Set("k1", domain.Response{Success: true}, domain.DomainGeneral)
	c.Get("k1")
	c.Get("k1")
	entry, _ := c.Entry("k1")
	if entry.AccessCount != 2 {
		t.Errorf("got AccessCount=%d, want 2", entry.AccessCount)
	}
}
