package htmltext

import (
	"strings"
	"testing"
)

var textTests = []struct {
	name string
	in   string
	out  string
}{
	{
		name: "banal",
		in:   "<html><head><title>hello</title></head><body><p>hello<br/>world</p></body></html>",
		out:  "hello\nworld",
	},
	{
		name: "inline tags join",
		in:   "<p>foo<b>bar</b> <i>baz</i></p>",
		out:  "foobar baz",
	},
	{
		name: "script dropped",
		in:   `<p>one <script>alert("two");</script> three</p>`,
		out:  "one three",
	},
	{
		name: "style dropped",
		in:   `<style>p { color: red }</style><p>text</p>`,
		out:  "text",
	},
	{
		name: "whitespace collapsed",
		in:   "<div>  a \n\t b  </div>",
		out:  "a b",
	},
	{
		name: "paragraph break",
		in:   "<p>one</p><p>two</p>",
		out:  "one\n\ntwo",
	},
	{
		name: "breaks capped",
		in:   "<div><p></p><br/><p>one</p></div><br/><br/><br/><div>two</div>",
		out:  "one\n\ntwo",
	},
	{
		name: "no leading break",
		in:   "<br/><br/><p>one</p>",
		out:  "one",
	},
	{
		name: "table rows",
		in:   "<table><tr><td>a</td><td>b</td></tr><tr><td>c</td></tr></table>",
		out:  "a b\nc",
	},
	{
		name: "entities",
		in:   "<p>fish &amp; chips&nbsp;&pound;5</p>",
		out:  "fish & chips £5",
	},
	{
		name: "utf8",
		in:   "<p>Hello, 世界</p>",
		out:  "Hello, 世界",
	},
	{
		name: "links keep anchor text",
		in:   `before <a href="https://example.com/x">the link</a> after`,
		out:  "before the link after",
	},
	{
		name: "empty",
		in:   "",
		out:  "",
	},
	{
		name: "text only",
		in:   "no tags at all",
		out:  "no tags at all",
	},
}

func TestText(t *testing.T) {
	for _, test := range textTests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Text(strings.NewReader(test.in))
			if err != nil {
				t.Fatal(err)
			}
			if got != test.out {
				t.Errorf("Text(%q)\n\t   = %q,\n\twant %q", test.in, got, test.out)
			}
		})
	}
}

func BenchmarkText(b *testing.B) {
	in := strings.Repeat("<div><p>some modest paragraph of text</p><br/></div>", 200)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Text(strings.NewReader(in)); err != nil {
			b.Fatal(err)
		}
	}
}
