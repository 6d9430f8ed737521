package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the cache key for a logical request. params must hold
// only JSON-encodable values; binary images are passed as their identity
// hash, never their bytes. Map keys are sorted during encoding, so equal
// parameter sets always hash the same regardless of construction order.
func Fingerprint(kind string, params map[string]interface{}, watermark bool) (string, error) {
	canonical, err := Canonicalize(map[string]interface{}{
		"kind":      kind,
		"params":    params,
		"watermark": watermark,
	})
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint %s: %w", kind, err)
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize encodes v as JSON with sorted object keys at every depth.
// Structs are first round-tripped through a generic representation so their
// field order does not matter either.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
