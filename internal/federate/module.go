package federate

import (
	"errors"
	"fmt"
	"log"

	"fedssr/internal/payload"
)

// Module is a decoded prerendered remote module, ready to be instantiated
// with children any number of times.
type Module struct {
	// ID tags the hydration state carrier.
	ID     string
	Chunks []string
	State  string

	tree []*ParseNode

	// Diagnostics holds recoverable decode problems, such as a chunk
	// manifest that was not valid JSON.
	Diagnostics []error
}

// NewModule decodes a serialized payload. Only a payload that cannot be split
// or HTML that cannot be tokenized is an error; a bad chunk manifest is
// recorded in Diagnostics and the module loads without chunks.
func NewModule(id, serialized string) (*Module, error) {
	p, err := payload.Split(serialized)
	var pe *payload.ParseError
	if err != nil && !errors.As(err, &pe) {
		return nil, fmt.Errorf("module %s: %w", id, err)
	}
	m := &Module{ID: id, Chunks: p.Chunks, State: p.State}
	if pe != nil {
		log.Printf("federate: module %s: %v", id, pe)
		m.Diagnostics = append(m.Diagnostics, pe)
	}

	tree, err := Parse(NormalizeSuspense(p.HTML))
	if err != nil {
		return nil, fmt.Errorf("module %s: parse html: %w", id, err)
	}
	m.tree = tree
	return m, nil
}

// Element reconstructs the module with children in place of its children
// placeholder. The fragment holds, in order: one stylesheet link or deferred
// script per chunk (in manifest order), the state carrier when the module has
// state, then the reconstructed content.
func (m *Module) Element(children ...Node) Node {
	out := make([]Node, 0, len(m.Chunks)+2)
	out = append(out, ChunkRefs(m.Chunks)...)
	if c, ok := StateCarrier(m.ID, m.State); ok {
		out = append(out, c)
	}
	out = append(out, Reconstruct(m.tree, Rules(children)))
	return Fragment(out...)
}

// ChunkRefs returns a stylesheet link for every .css chunk and a deferred
// script for every other chunk, keeping the input order.
func ChunkRefs(chunks []string) []Node {
	out := make([]Node, 0, len(chunks))
	for _, c := range chunks {
		var n Node
		if payload.IsStylesheet(c) {
			n = Element("link", []Attr{{Key: "rel", Val: "stylesheet"}, {Key: "href", Val: c}})
		} else {
			n = Element("script", []Attr{{Key: "defer", Val: ""}, {Key: "src", Val: c}})
		}
		n.Key = c
		out = append(out, n)
	}
	return out
}

// StateAttr marks hydration state carriers.
const StateAttr = "data-state"

// StateCarrier returns the hidden element holding a module's raw state. ok is
// false when there is no state to carry.
func StateCarrier(id, state string) (Node, bool) {
	if state == "" || state == payload.NoState {
		return Node{}, false
	}
	n := Element("div", []Attr{{Key: "hidden", Val: ""}, {Key: StateAttr, Val: id}}, Text(state))
	n.Key = "state:" + id
	return n, true
}
