package federate

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ParseKind tags a ParseNode.
type ParseKind uint8

const (
	ParseText ParseKind = iota + 1
	ParseElement
	ParseComment
)

// ParseNode is the raw tree built from a serialized HTML string, before any
// rule is applied.
type ParseNode struct {
	Kind     ParseKind
	Data     string
	Attr     []html.Attribute
	Children []*ParseNode
}

// Parse tokenizes s into a forest of ParseNodes. It keeps the markup's own
// structure: no implied elements are inserted and nothing is reparented, so
// the tree matches what the remote serialized. Stray end tags are ignored and
// unclosed elements are closed at the end of input.
func Parse(s string) ([]*ParseNode, error) {
	z := html.NewTokenizer(strings.NewReader(s))

	root := &ParseNode{Kind: ParseElement}
	stack := []*ParseNode{root}
	top := func() *ParseNode { return stack[len(stack)-1] }

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return root.Children, nil
			}
			return nil, z.Err()

		case html.TextToken:
			tok := z.Token()
			p := top()
			// the tokenizer may split one run of text; keep it whole
			if n := len(p.Children); n > 0 && p.Children[n-1].Kind == ParseText {
				p.Children[n-1].Data += tok.Data
				continue
			}
			p.Children = append(p.Children, &ParseNode{Kind: ParseText, Data: tok.Data})

		case html.CommentToken:
			tok := z.Token()
			top().Children = append(top().Children, &ParseNode{Kind: ParseComment, Data: tok.Data})

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			n := &ParseNode{Kind: ParseElement, Data: tok.Data, Attr: tok.Attr}
			top().Children = append(top().Children, n)
			if tt == html.StartTagToken && !isVoid(tok.Data) {
				stack = append(stack, n)
			}

		case html.EndTagToken:
			tok := z.Token()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].Data == tok.Data {
					stack = stack[:i]
					break
				}
			}

		case html.DoctypeToken:
			// not part of a fragment
		}
	}
}
