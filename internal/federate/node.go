// Package federate turns prerendered remote modules back into a live node
// tree a host can render: it normalizes suspense markers, parses the
// serialized HTML, reinserts the caller's children and suspense boundaries,
// and prefixes the chunk references and hydration state carrier.
package federate

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind tags a Node.
type Kind uint8

const (
	TextNode Kind = iota + 1
	ElementNode
	CommentNode
	FragmentNode
	SuspenseNode
	ComponentNode
)

func (k Kind) String() string {
	switch k {
	case TextNode:
		return "text"
	case ElementNode:
		return "element"
	case CommentNode:
		return "comment"
	case FragmentNode:
		return "fragment"
	case SuspenseNode:
		return "suspense"
	case ComponentNode:
		return "component"
	default:
		return "unknown"
	}
}

type Attr struct {
	Key string
	Val string
}

// Node is a tree node handed to the host render pass.
//
//   - TextNode, CommentNode: Data holds the unescaped content.
//   - ElementNode: Data is the tag, Attr the attributes in source order.
//   - FragmentNode: only Children.
//   - SuspenseNode: Children render once every component inside has
//     resolved; Fallback renders instead when one of them fails.
//   - ComponentNode: Remote is resolved at render time and receives Children
//     as its children.
type Node struct {
	Kind     Kind
	Key      string
	Data     string
	Attr     []Attr
	Children []Node
	Fallback []Node
	Remote   *Remote
}

func Text(s string) Node { return Node{Kind: TextNode, Data: s} }

func Comment(s string) Node { return Node{Kind: CommentNode, Data: s} }

func Element(tag string, attrs []Attr, children ...Node) Node {
	return Node{Kind: ElementNode, Data: tag, Attr: attrs, Children: children}
}

func Fragment(children ...Node) Node { return Node{Kind: FragmentNode, Children: children} }

func Suspense(fallback []Node, children ...Node) Node {
	return Node{Kind: SuspenseNode, Fallback: fallback, Children: children}
}

func Component(r *Remote, children ...Node) Node {
	return Node{Kind: ComponentNode, Remote: r, Children: children}
}

// Render writes nodes as HTML. Components are resolved on demand, waiting for
// their remote to load. A component failure inside a suspense boundary is
// contained: the boundary is written as a client-rendered boundary holding its
// fallback. Outside any boundary the failure is returned.
func Render(ctx context.Context, w io.Writer, nodes ...Node) error {
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := renderNode(ctx, &buf, n, ""); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// RenderString is Render into a string.
func RenderString(ctx context.Context, nodes ...Node) (string, error) {
	var buf bytes.Buffer
	if err := Render(ctx, &buf, nodes...); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderNode(ctx context.Context, buf *bytes.Buffer, n Node, parent string) error {
	switch n.Kind {
	case TextNode:
		if isRawText(parent) {
			buf.WriteString(n.Data)
		} else {
			buf.WriteString(html.EscapeString(n.Data))
		}
	case CommentNode:
		buf.WriteString("<!--")
		buf.WriteString(n.Data)
		buf.WriteString("-->")
	case ElementNode:
		buf.WriteByte('<')
		buf.WriteString(n.Data)
		for _, a := range n.Attr {
			buf.WriteByte(' ')
			buf.WriteString(a.Key)
			buf.WriteString(`="`)
			buf.WriteString(html.EscapeString(a.Val))
			buf.WriteByte('"')
		}
		buf.WriteByte('>')
		if isVoid(n.Data) {
			return nil
		}
		for _, c := range n.Children {
			if err := renderNode(ctx, buf, c, n.Data); err != nil {
				return err
			}
		}
		buf.WriteString("</")
		buf.WriteString(n.Data)
		buf.WriteByte('>')
	case FragmentNode:
		for _, c := range n.Children {
			if err := renderNode(ctx, buf, c, parent); err != nil {
				return err
			}
		}
	case SuspenseNode:
		return renderSuspense(ctx, buf, n, parent)
	case ComponentNode:
		if n.Remote == nil {
			return nil
		}
		mod, err := n.Remote.Wait(ctx)
		if err != nil {
			return err
		}
		return renderNode(ctx, buf, mod.Element(n.Children...), parent)
	}
	return nil
}

func renderSuspense(ctx context.Context, buf *bytes.Buffer, n Node, parent string) error {
	var inner bytes.Buffer
	var err error
	for _, c := range n.Children {
		if err = renderNode(ctx, &inner, c, parent); err != nil {
			break
		}
	}
	if err == nil {
		buf.WriteString("<!--$-->")
		buf.Write(inner.Bytes())
		buf.WriteString("<!--/$-->")
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	buf.WriteString("<!--$!-->")
	for _, c := range n.Fallback {
		if err := renderNode(ctx, buf, c, parent); err != nil {
			return err
		}
	}
	buf.WriteString("<!--/$-->")
	return nil
}

func isVoid(tag string) bool {
	switch atom.Lookup([]byte(tag)) {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img,
		atom.Input, atom.Keygen, atom.Link, atom.Meta, atom.Param, atom.Source,
		atom.Track, atom.Wbr:
		return true
	}
	return false
}

func isRawText(tag string) bool {
	switch atom.Lookup([]byte(tag)) {
	case atom.Script, atom.Style, atom.Xmp, atom.Iframe, atom.Noembed, atom.Noframes, atom.Noscript, atom.Plaintext:
		return true
	}
	return false
}
