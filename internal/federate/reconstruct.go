package federate

import "strconv"

// ChildrenPlaceholder is the text a remote renders where its children go.
const ChildrenPlaceholder = "\u200cchildren\u200c"

// Rule maps one ParseNode to a Node. Rules are tried in order and the first
// whose Match returns true handles the node. Process gets the node's index
// among its siblings and a function reconstructing any list of ParseNodes with
// the same rules.
type Rule struct {
	Name    string
	Match   func(n *ParseNode) bool
	Process func(n *ParseNode, index int, descend func([]*ParseNode) []Node) Node
}

// ChildrenRule replaces a children placeholder text node with children.
func ChildrenRule(children []Node) Rule {
	return Rule{
		Name: "children",
		Match: func(n *ParseNode) bool {
			return n.Kind == ParseText && n.Data == ChildrenPlaceholder
		},
		Process: func(_ *ParseNode, index int, _ func([]*ParseNode) []Node) Node {
			f := Fragment(children...)
			f.Key = strconv.Itoa(index)
			return f
		},
	}
}

// SuspenseRule turns a normalized suspense element into a suspense boundary
// with an empty fallback.
func SuspenseRule() Rule {
	return Rule{
		Name: "suspense",
		Match: func(n *ParseNode) bool {
			return n.Kind == ParseElement && n.Data == SuspenseTag
		},
		Process: func(n *ParseNode, _ int, descend func([]*ParseNode) []Node) Node {
			return Suspense(nil, descend(n.Children)...)
		},
	}
}

// DefaultRule maps every node to its structural equivalent.
func DefaultRule() Rule {
	return Rule{
		Name:  "default",
		Match: func(*ParseNode) bool { return true },
		Process: func(n *ParseNode, _ int, descend func([]*ParseNode) []Node) Node {
			switch n.Kind {
			case ParseText:
				return Text(n.Data)
			case ParseComment:
				return Comment(n.Data)
			default:
				var attrs []Attr
				if len(n.Attr) > 0 {
					attrs = make([]Attr, 0, len(n.Attr))
					for _, a := range n.Attr {
						key := a.Key
						if a.Namespace != "" {
							key = a.Namespace + ":" + a.Key
						}
						attrs = append(attrs, Attr{Key: key, Val: a.Val})
					}
				}
				return Element(n.Data, attrs, descend(n.Children)...)
			}
		},
	}
}

// Rules is the standard rule list: children placeholder, suspense boundary,
// then the structural default.
func Rules(children []Node) []Rule {
	return []Rule{ChildrenRule(children), SuspenseRule(), DefaultRule()}
}

// Reconstruct applies rules to a parsed forest and returns it as a single
// fragment. Nodes no rule matches are dropped.
func Reconstruct(nodes []*ParseNode, rules []Rule) Node {
	var descend func([]*ParseNode) []Node
	descend = func(ns []*ParseNode) []Node {
		out := make([]Node, 0, len(ns))
		for i, n := range ns {
			for _, r := range rules {
				if r.Match(n) {
					out = append(out, r.Process(n, i, descend))
					break
				}
			}
		}
		return out
	}
	return Fragment(descend(nodes)...)
}
