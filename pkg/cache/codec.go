package cache

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// ErrCorrupt marks a raw cache value that failed validation. Callers
// quarantine the key (delete it) and treat the read as a miss.
var ErrCorrupt = errors.New("corrupt cache value")

// Sentinels occasionally written by buggy producers. Any of these raw
// values is quarantined on read.
var corruptSentinels = map[string]struct{}{
	"":                {},
	"null":            {},
	"undefined":       {},
	"[object Object]": {},
}

// utcTimestampRe matches the strict ISO-8601 UTC shape used by Encode
// for time.Time values, with optional fractional seconds.
var utcTimestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z$`)

// IsCorrupt reports whether a raw cache payload must be quarantined.
func IsCorrupt(raw string) bool {
	_, bad := corruptSentinels[raw]
	return bad
}

// Encode serializes v to the self-describing JSON text form used by the
// hot tier. time.Time values marshal as RFC 3339 UTC, which Decode
// rehydrates.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeInto parses raw into dst. A sentinel or malformed payload returns
// ErrCorrupt so the caller can quarantine the key.
func DecodeInto(raw string, dst any) error {
	if IsCorrupt(raw) {
		return ErrCorrupt
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return errors.Join(ErrCorrupt, err)
	}
	return nil
}

// DecodeValue parses raw into a dynamic value, rehydrating strings that
// match the strict ISO-8601 UTC timestamp shape into time.Time. Used for
// entity classes without a fixed schema (roll data, call state blobs).
func DecodeValue(raw string) (any, error) {
	if IsCorrupt(raw) {
		return nil, ErrCorrupt
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return rehydrate(v), nil
}

func rehydrate(v any) any {
	switch x := v.(type) {
	case string:
		if utcTimestampRe.MatchString(x) {
			if t, err := time.Parse(time.RFC3339, x); err == nil {
				return t.UTC()
			}
		}
		return x
	case map[string]any:
		for k, vv := range x {
			x[k] = rehydrate(vv)
		}
		return x
	case []any:
		for i, vv := range x {
			x[i] = rehydrate(vv)
		}
		return x
	default:
		return v
	}
}
