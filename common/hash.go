package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashBytes computes the SHA-256 digest of a rendered document.
func HashBytes(content []byte) Hash {
	return Hash(sha256.Sum256(content))
}

func Keccak256(data ...[]byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hash.Write(d)
	}
	return BytesToHash(hash.Sum(nil))
}

// CanonicalJSON serializes v as a JSON object with every key sorted, numbers
// kept verbatim and HTML escaping off. Top-level fields named in exclude are
// dropped before encoding.
func CanonicalJSON(v any, exclude ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("canonical json: value is not an object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("canonical json: value is null")
	}
	for _, field := range exclude {
		delete(obj, field)
	}

	// encoding/json writes map keys in sorted order at every depth
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashCanonicalJSON is keccak256 over CanonicalJSON(v, exclude...).
func HashCanonicalJSON(v any, exclude ...string) (Hash, error) {
	b, err := CanonicalJSON(v, exclude...)
	if err != nil {
		return Hash{}, err
	}
	return Keccak256(b), nil
}
