package federate

import (
	"context"
	"reflect"
	"testing"
)

func TestNormalizeSuspense(t *testing.T) {
	t.Parallel()

	in := `<div><!--$--><p>a</p><!--$!--><b>x</b><!--/$!--><!--/$--><!-- $ --></div>`
	want := `<div><fed-suspense><p>a</p><fed-suspense><b>x</b></fed-suspense></fed-suspense><!-- $ --></div>`
	got := NormalizeSuspense(in)
	if got != want {
		t.Fatalf("NormalizeSuspense()=%q, want %q", got, want)
	}
	if again := NormalizeSuspense(got); again != got {
		t.Fatalf("normalizing twice changed output: %q", again)
	}
}

func TestParse_KeepsStructure(t *testing.T) {
	t.Parallel()

	nodes, err := Parse(`<table><tr><td>1</td></tr></table>tail<!--c--><img src="a.png"><x-el/>`)
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if len(nodes) != 5 {
		t.Fatalf("got %d top-level nodes, want 5", len(nodes))
	}
	table := nodes[0]
	if table.Data != "table" || len(table.Children) != 1 || table.Children[0].Data != "tr" {
		t.Fatalf("parser reshaped the table: %+v", table)
	}
	if nodes[1].Kind != ParseText || nodes[1].Data != "tail" {
		t.Fatalf("nodes[1]=%+v", nodes[1])
	}
	if nodes[2].Kind != ParseComment || nodes[2].Data != "c" {
		t.Fatalf("nodes[2]=%+v", nodes[2])
	}
	if nodes[3].Data != "img" || len(nodes[3].Children) != 0 {
		t.Fatalf("void element took children: %+v", nodes[3])
	}
	if nodes[4].Data != "x-el" {
		t.Fatalf("nodes[4]=%+v", nodes[4])
	}
}

func TestParse_UnbalancedTags(t *testing.T) {
	t.Parallel()

	nodes, err := Parse(`</span><div><p>open`)
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if len(nodes) != 1 || nodes[0].Data != "div" || nodes[0].Children[0].Data != "p" {
		t.Fatalf("unexpected tree: %+v", nodes)
	}
}

func TestReconstruct_ChildrenPlaceholder(t *testing.T) {
	t.Parallel()

	nodes, err := Parse("<div>" + ChildrenPlaceholder + "</div>")
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	root := Reconstruct(nodes, Rules([]Node{Text("X")}))

	if root.Kind != FragmentNode || len(root.Children) != 1 {
		t.Fatalf("root=%+v", root)
	}
	div := root.Children[0]
	if div.Kind != ElementNode || div.Data != "div" || len(div.Children) != 1 {
		t.Fatalf("div=%+v", div)
	}
	slot := div.Children[0]
	if slot.Kind != FragmentNode || len(slot.Children) != 1 {
		t.Fatalf("slot=%+v", slot)
	}
	if x := slot.Children[0]; x.Kind != TextNode || x.Data != "X" {
		t.Fatalf("child=%+v, want text X", x)
	}

	out, err := RenderString(context.Background(), root)
	if err != nil {
		t.Fatalf("RenderString() err=%v", err)
	}
	if out != "<div>X</div>" {
		t.Fatalf("rendered %q", out)
	}
}

func TestReconstruct_PlaceholderMustBeWholeText(t *testing.T) {
	t.Parallel()

	nodes, _ := Parse("<div>before " + ChildrenPlaceholder + "</div>")
	out, err := RenderString(context.Background(), Reconstruct(nodes, Rules([]Node{Text("X")})))
	if err != nil {
		t.Fatalf("RenderString() err=%v", err)
	}
	if out != "<div>before "+ChildrenPlaceholder+"</div>" {
		t.Fatalf("rendered %q", out)
	}
}

func TestReconstruct_Suspense(t *testing.T) {
	t.Parallel()

	nodes, _ := Parse(NormalizeSuspense(`<main><!--$--><p>a</p><!--$!--><b>b</b><!--/$!--><!--/$--></main>`))
	root := Reconstruct(nodes, Rules(nil))

	outer := root.Children[0].Children[0]
	if outer.Kind != SuspenseNode || outer.Fallback != nil {
		t.Fatalf("outer=%+v, want suspense with no fallback", outer)
	}
	if inner := outer.Children[1]; inner.Kind != SuspenseNode {
		t.Fatalf("nested boundary lost: %+v", inner)
	}

	out, err := RenderString(context.Background(), root)
	if err != nil {
		t.Fatalf("RenderString() err=%v", err)
	}
	if want := `<main><!--$--><p>a</p><!--$--><b>b</b><!--/$--><!--/$--></main>`; out != want {
		t.Fatalf("rendered %q, want %q", out, want)
	}
}

func TestReconstruct_DefaultRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{`<p class='x' data-id=1>a &amp; b</p>`, `<p class="x" data-id="1">a &amp; b</p>`},
		{`<script>if (a < b && c) {}</script>`, `<script>if (a < b && c) {}</script>`},
		{`<img src="x.png"><br/><input disabled>`, `<img src="x.png"><br><input disabled="">`},
		{`<ul><li>1</li><li>2</li></ul><!-- note -->`, `<ul><li>1</li><li>2</li></ul><!-- note -->`},
		{`<svg viewBox="0 0 1 1"><path d="M0"/></svg>`, `<svg viewbox="0 0 1 1"><path d="M0"></path></svg>`},
	}
	for _, tc := range cases {
		in, want := tc.in, tc.want
		nodes, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) err=%v", in, err)
		}
		out, err := RenderString(context.Background(), Reconstruct(nodes, Rules(nil)))
		if err != nil {
			t.Fatalf("RenderString() err=%v", err)
		}
		if out != want {
			t.Fatalf("round trip %q:\n got %q\nwant %q", in, out, want)
		}
	}
}

func TestReconstruct_Deterministic(t *testing.T) {
	t.Parallel()

	nodes, _ := Parse(`<div a="1" b="2" c="3"><!--$--><span>` + ChildrenPlaceholder + `</span><!--/$--></div>`)
	children := []Node{Element("em", []Attr{{Key: "z", Val: "1"}, {Key: "y", Val: "2"}}, Text("hi"))}

	first := Reconstruct(nodes, Rules(children))
	for i := 0; i < 10; i++ {
		if got := Reconstruct(nodes, Rules(children)); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs", i)
		}
	}
}

func TestReconstruct_CustomRuleOrder(t *testing.T) {
	t.Parallel()

	dropComments := Rule{
		Name:  "drop-comments",
		Match: func(n *ParseNode) bool { return n.Kind == ParseComment },
		Process: func(*ParseNode, int, func([]*ParseNode) []Node) Node {
			return Fragment()
		},
	}
	nodes, _ := Parse(`<p>a<!--x--></p>`)
	rules := append([]Rule{dropComments}, Rules(nil)...)
	out, err := RenderString(context.Background(), Reconstruct(nodes, rules))
	if err != nil {
		t.Fatalf("RenderString() err=%v", err)
	}
	if out != "<p>a</p>" {
		t.Fatalf("rendered %q", out)
	}
}
