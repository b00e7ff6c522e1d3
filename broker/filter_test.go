package broker

import "testing"

func TestFilterMatchesEveryKey(t *testing.T) {
	payload := map[string]any{
		"status": "open",
		"count":  float64(3),
		"nested": map[string]any{"a": "b"},
	}

	f := Filter{"status": "open", "count": float64(3)}
	if !f.Matches(payload) {
		t.Error("Expected filter to match payload with equal values")
	}

	f = Filter{"status": "open", "count": float64(4)}
	if f.Matches(payload) {
		t.Error("Expected filter to reject payload with unequal value")
	}
}

func TestFilterMissingKeyIsMismatch(t *testing.T) {
	payload := map[string]any{"status": "open"}

	f := Filter{"missing": "anything"}
	if f.Matches(payload) {
		t.Error("Expected missing key to be a mismatch")
	}
}

func TestFilterNestedValues(t *testing.T) {
	payload := map[string]any{
		"meta": map[string]any{"region": "eu", "tags": []any{"a", "b"}},
	}

	f := Filter{"meta": map[string]any{"region": "eu", "tags": []any{"a", "b"}}}
	if !f.Matches(payload) {
		t.Error("Expected deep equality on nested values")
	}

	f = Filter{"meta": map[string]any{"region": "us"}}
	if f.Matches(payload) {
		t.Error("Expected nested mismatch to fail")
	}
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	payloads := []map[string]any{
		{},
		{"x": float64(1)},
		{"deep": map[string]any{"k": "v"}},
	}

	for _, p := range payloads {
		if !(Filter{}).Matches(p) {
			t.Errorf("Expected empty filter to match %v", p)
		}
		if !(Filter(nil)).Matches(p) {
			t.Errorf("Expected nil filter to match %v", p)
		}
	}
}
