package keycrypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON returns the signing form of v: object keys sorted, no
// insignificant whitespace, no HTML escaping, and the top-level
// "signatures" and "unsigned" members removed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, "signatures")
		delete(obj, "unsigned")
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
