// Package canonicalize produces byte-deterministic UTF-8 JSON serialization
// (RFC 8785, JSON Canonicalization Scheme) for values that travel into a
// signed attestation. Two structurally equal values always canonicalize to
// identical bytes.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// CanonicalizationError wraps a failure to canonicalize a value: a
// non-finite number, a duplicate object key, or a non-string object key.
type CanonicalizationError struct {
	Reason string
	Err    error
}

func (e *CanonicalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonicalize: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("canonicalize: %s", e.Reason)
}

func (e *CanonicalizationError) Unwrap() error { return e.Err }

// Canonicalize serializes v per RFC 8785: object keys sorted, no
// insignificant whitespace, numbers in ECMAScript form, arrays in insertion
// order. v must marshal to JSON containing only objects with string keys;
// non-finite numbers are rejected.
func Canonicalize(v any) ([]byte, error) {
	if err := checkFinite(v); err != nil {
		return nil, &CanonicalizationError{Reason: "non-finite number", Err: err}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &CanonicalizationError{Reason: "marshal failed", Err: err}
	}

	if err := rejectDuplicateKeys(raw); err != nil {
		return nil, &CanonicalizationError{Reason: "duplicate object key", Err: err}
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &CanonicalizationError{Reason: "jcs transform failed", Err: err}
	}
	return out, nil
}

// checkFinite walks v looking for float64 values that are NaN or infinite;
// json.Marshal itself refuses these, but we want the caller to receive a
// CanonicalizationError rather than an opaque encoding/json error.
func checkFinite(v any) error {
	switch t := v.(type) {
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return errors.New("float32 is NaN or Inf")
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return errors.New("float64 is NaN or Inf")
		}
	case map[string]any:
		for _, elem := range t {
			if err := checkFinite(elem); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range t {
			if err := checkFinite(elem); err != nil {
				return err
			}
		}
	}
	return nil
}

// rejectDuplicateKeys re-decodes raw looking for a JSON object literal that
// repeats a key; encoding/json silently keeps the last occurrence, which
// would break the round-trip property the engine relies on for
// verification.
func rejectDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	_, err := decodeChecked(dec)
	return err
}

func decodeChecked(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			seen := make(map[string]struct{})
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("non-string object key %v", keyTok)
				}
				if _, dup := seen[key]; dup {
					return nil, fmt.Errorf("duplicate key %q", key)
				}
				seen[key] = struct{}{}
				if _, err := decodeChecked(dec); err != nil {
					return nil, err
				}
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return nil, nil
		case '[':
			for dec.More() {
				if _, err := decodeChecked(dec); err != nil {
					return nil, err
				}
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return nil, nil
		}
	}
	return tok, nil
}
