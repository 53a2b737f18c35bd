// Package fingerprint derives the cache keys used for prerendered remote
// modules: the in-process component key and the persistent-store row key.
package fingerprint

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Of returns the deterministic key for a (remote, module, props) triple.
//
// Props are serialized canonically: object keys are sorted at every depth, so
// two props values that are deeply equal yield the same key regardless of the
// order their keys were inserted in.
func Of(remote, module string, props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	b, err := Canonical(map[string]any{
		"module": module,
		"props":  props,
		"remote": remote,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s/%s: %w", remote, module, err)
	}
	return string(b), nil
}

// MustOf is like Of but panics when props cannot be serialized.
func MustOf(remote, module string, props map[string]any) string {
	k, err := Of(remote, module, props)
	if err != nil {
		panic(err)
	}
	return k
}

// Canonical serializes v as JSON with sorted object keys and no HTML escaping.
// Structs and raw JSON are normalized through a generic decode first so that
// their field order does not leak into the output.
func Canonical(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return encode(generic)
}

// RowKey returns the persistent-store row key for a prerender request: the
// base64 of the canonical JSON of body merged with {"language": language}.
// body must be a JSON object (an empty body counts as {}).
func RowKey(body []byte, language string) (string, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return "", fmt.Errorf("row key: body is not a JSON object: %w", err)
		}
		if fields == nil {
			// literal null
			fields = map[string]json.RawMessage{}
		}
	}
	lang, err := json.Marshal(language)
	if err != nil {
		return "", err
	}
	fields["language"] = lang

	b, err := Canonical(fields)
	if err != nil {
		return "", fmt.Errorf("row key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
