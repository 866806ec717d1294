package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Name string    `json:"name"`
		When time.Time `json:"when"`
	}
	in := payload{Name: "owner", When: time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)}

	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out payload
	if err := DecodeInto(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != in.Name || !out.When.Equal(in.When) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestDecodeIntoRejectsSentinels(t *testing.T) {
	for _, raw := range []string{"", "null", "undefined", "[object Object]"} {
		var dst map[string]any
		if err := DecodeInto(raw, &dst); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("raw %q: expected ErrCorrupt, got %v", raw, err)
		}
	}
}

func TestDecodeIntoRejectsMalformedJSON(t *testing.T) {
	var dst map[string]any
	if err := DecodeInto("{not json", &dst); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestDecodeValueRehydratesTimestamps(t *testing.T) {
	raw := `{"owned_since":"2025-03-01T12:30:00Z","name":"general","nested":["2024-01-02T03:04:05.123Z"]}`
	v, err := DecodeValue(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := v.(map[string]any)
	if _, ok := m["owned_since"].(time.Time); !ok {
		t.Fatalf("owned_since not rehydrated: %T", m["owned_since"])
	}
	if _, ok := m["name"].(string); !ok {
		t.Fatalf("name should stay a string")
	}
	nested := m["nested"].([]any)
	if _, ok := nested[0].(time.Time); !ok {
		t.Fatalf("nested timestamp not rehydrated: %T", nested[0])
	}
}

func TestDecodeValueLeavesNonUTCStrings(t *testing.T) {
	// Offsets other than Z are not the strict UTC shape.
	raw := `"2025-03-01T12:30:00+02:00"`
	v, err := DecodeValue(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := v.(string); !ok {
		t.Fatalf("expected string, got %T", v)
	}
}

func TestMemoryCacheQuarantinesCorruptValues(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()

	if err := mc.Set(ctx, "channel_owner:C", "[object Object]", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := mc.Get(ctx, "channel_owner:C"); err != nil || ok {
		t.Fatalf("expected miss for corrupt value, ok=%v err=%v", ok, err)
	}
	// Key must be gone after quarantine.
	if ok, _ := mc.Exists(ctx, "channel_owner:C"); ok {
		t.Fatalf("corrupt key should have been deleted")
	}

	// A subsequent write works and reads hit.
	if err := mc.Set(ctx, "channel_owner:C", `{"owner":"U1"}`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok, err := mc.Get(ctx, "channel_owner:C")
	if err != nil || !ok || raw != `{"owner":"U1"}` {
		t.Fatalf("expected hit after rewrite, raw=%q ok=%v err=%v", raw, ok, err)
	}
}

func TestMemoryCacheTTLAndSets(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()

	if err := mc.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := mc.Get(ctx, "k"); ok {
		t.Fatalf("expected expiry")
	}

	if err := mc.SAdd(ctx, "members", "a", "b"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := mc.SRem(ctx, "members", "a"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	got, err := mc.SMembers(ctx, "members")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected members: %v", got)
	}
}
