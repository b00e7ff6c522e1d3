package broker

import "reflect"

// Filter is a conjunctive exact-match predicate over payload fields. A nil
// or empty filter matches every payload.
type Filter map[string]any

// Matches reports whether payload satisfies the filter: every filter key
// must be present in payload with an equal value. Evaluation short-circuits
// on the first mismatch; a missing key is a mismatch.
func (f Filter) Matches(payload map[string]any) bool {
	for key, want := range f {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
