// Package payload implements the serialized prerender payload shared by the
// remote renderers, the cache manager and the host: chunks, html and state
// joined by a reserved separator.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Separator joins the three payload fields. Producers must never emit it
// inside a field.
const Separator = "␟"

// NoState marks a payload without hydration state.
const NoState = "NO STATE"

var (
	ErrMalformed        = errors.New("payload: malformed")
	ErrSeparatorInField = errors.New("payload: separator inside field")
)

// ParseError records a chunk manifest that could not be decoded. It is a
// diagnostic: Split still returns the payload with no chunks.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("payload: chunks %q: %v", excerpt(e.Raw, 64), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Payload is the decoded form of a serialized prerender response.
type Payload struct {
	Chunks []string
	HTML   string
	State  string
}

// HasState reports whether the payload carries hydration state.
func (p Payload) HasState() bool {
	return p.State != "" && p.State != NoState
}

// Join serializes p. An empty State is written as NoState.
func Join(p Payload) (string, error) {
	chunks := p.Chunks
	if chunks == nil {
		chunks = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chunks); err != nil {
		return "", err
	}
	c := strings.TrimRight(buf.String(), "\n")

	state := p.State
	if state == "" {
		state = NoState
	}
	for _, f := range []string{c, p.HTML, state} {
		if strings.Contains(f, Separator) {
			return "", ErrSeparatorInField
		}
	}
	return c + Separator + p.HTML + Separator + state, nil
}

// Split decodes a serialized payload. A payload with only chunks and html is
// accepted and gets NoState. When the chunk manifest is not valid JSON the
// payload is returned with no chunks together with a *ParseError; callers
// should record it and carry on.
func Split(s string) (Payload, error) {
	parts := strings.Split(s, Separator)
	var p Payload
	switch len(parts) {
	case 2:
		p = Payload{HTML: parts[1], State: NoState}
	case 3:
		p = Payload{HTML: parts[1], State: parts[2]}
	default:
		return Payload{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(parts))
	}

	chunks, err := parseChunks(parts[0])
	if err != nil {
		p.Chunks = []string{}
		return p, &ParseError{Raw: parts[0], Err: err}
	}
	p.Chunks = chunks
	return p, nil
}

func parseChunks(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// IsStylesheet reports whether a chunk path is loaded as a stylesheet rather
// than a script.
func IsStylesheet(chunk string) bool {
	return strings.HasSuffix(chunk, ".css")
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
