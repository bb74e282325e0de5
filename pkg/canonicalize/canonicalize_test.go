package canonicalize

import (
	"math"
	"testing"
)

func TestCanonicalize_KeyOrdering(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	outA, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	outB, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	if string(outA) != string(outB) {
		t.Fatalf("expected identical bytes, got %q vs %q", outA, outB)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(outA) != want {
		t.Fatalf("expected %q, got %q", want, outA)
	}
}

func TestCanonicalize_NoInsignificantWhitespace(t *testing.T) {
	out, err := Canonicalize([]any{1, "two", true, nil})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `[1,"two",true,null]`
	if string(out) != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	v := map[string]any{
		"orgId":       "O",
		"tenantId":    "T",
		"eventId":     "E",
		"documentRef": "deadbeef",
		"version":     1,
	}
	first, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("canonicalize iteration %d: %v", i, err)
		}
		if string(first) != string(again) {
			t.Fatalf("non-deterministic output on iteration %d", i)
		}
	}
}

func TestCanonicalize_RejectsNonFiniteNumbers(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.NaN()})
	if err == nil {
		t.Fatal("expected CanonicalizationError for NaN, got nil")
	}
	var cErr *CanonicalizationError
	if !asCanonicalizationError(err, &cErr) {
		t.Fatalf("expected *CanonicalizationError, got %T: %v", err, err)
	}
}

func TestCanonicalize_RejectsDuplicateKeys(t *testing.T) {
	raw := []byte(`{"a":1,"a":2}`)
	if err := rejectDuplicateKeys(raw); err == nil {
		t.Fatal("expected duplicate key error, got nil")
	}
}

func asCanonicalizationError(err error, target **CanonicalizationError) bool {
	if ce, ok := err.(*CanonicalizationError); ok {
		*target = ce
		return true
	}
	return false
}
