package federate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// CombineStates merges hydration state for a page. It starts from initial
// and then, in document order, merges every top-level key of each state
// carrier found in doc, so later carriers win on conflicting keys. Carriers
// holding anything but a JSON object are skipped and reported in the
// returned error; the merge of the others is still returned.
func CombineStates(initial map[string]json.RawMessage, doc io.Reader) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(initial))
	for k, v := range initial {
		out[k] = v
	}

	root, err := html.Parse(doc)
	if err != nil {
		return out, fmt.Errorf("combine states: %w", err)
	}

	var errs []error
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := attr(n, StateAttr); ok {
				var obj map[string]json.RawMessage
				if err := json.Unmarshal([]byte(textContent(n)), &obj); err != nil || obj == nil {
					errs = append(errs, fmt.Errorf("state carrier %q: not a JSON object", id))
				} else {
					for k, v := range obj {
						out[k] = v
					}
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, errors.Join(errs...)
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
