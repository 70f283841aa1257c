package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "solve x^2 + 3x = 10", "solve x^2 + 3x = 10"},
		{"script block removed with contents", `before <script>alert("xss")</script> after`, "before  after"},
		{"script block with attributes", `<script type="text/javascript">steal()</script>ok`, "ok"},
		{"script case insensitive", `<SCRIPT>bad()</SCRIPT>done`, "done"},
		{"multiline script", "a<script>\nline1\nline2\n</script>b", "ab"},
		{"markup stripped keeps text", "<b>bold</b> and <i>italic</i>", "bold and italic"},
		{"orphan script open tag stripped as markup", "x <script>alert(1) y", "x alert(1) y"},
		{"javascript scheme neutralized", "click javascript:alert(1) here", "click alert(1) here"},
		{"javascript scheme with spaces", "javascript : alert(1)", "alert(1)"},
		{"event handler quoted", `text onclick="doEvil()" more`, "text  more"},
		{"event handler single quoted", `text onerror='doEvil()' more`, "text  more"},
		{"event handler bare", `text onload=evil more`, "text  more"},
		{"whitespace trimmed", "  padded  ", "padded"},
		{"empty string", "", ""},
		{"math with inequality survives", "check 3 < 5 holds", "check 3 < 5 holds"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}

func TestString_ReassembledTokensRemoved(t *testing.T) {
	t.Parallel()

	// Deleting a token can splice its surroundings into a fresh token.
	// A single removal pass would leave these live.
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"nested javascript scheme", "javajavascript:script:alert(1)", "alert(1)"},
		{"split javascript scheme", "javascrijavascript:pt:alert(1)", "alert(1)"},
		{"mixed case reassembly", "jAvAjavascript:scRiPt:alert(1)", "alert(1)"},
		{"nested script open tag", "<script<script>foo</script>>bar</script>", ">bar"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := String(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, strings.ToLower(got), "javascript:")
			assert.NotContains(t, strings.ToLower(got), "<script")
		})
	}
}

func TestString_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`before <script>alert("xss")</script> after`,
		"<b>bold</b> javascript:alert(1)",
		`a onclick="x()" b`,
		"plain",
		"javajavascript:script:alert(1)",
		"javascrijavascript:pt:alert(1)",
		"<script<script>foo</script>>bar</script>",
	}
	for _, in := range inputs {
		once := String(in)
		assert.Equal(t, once, String(once), "sanitizing twice must equal sanitizing once for %q", in)
	}
}

func TestValue_RecursesNestedStructures(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"topic": "<script>bad()</script>algebra",
		"count": 3,
		"steps": []any{
			"step <b>one</b>",
			map[string]any{"hint": `x onclick="p()" y`},
			42,
		},
		"tags": []string{"<i>easy</i>", "geometry"},
	}

	out := Value(in).(map[string]any)

	assert.Equal(t, "algebra", out["topic"])
	assert.Equal(t, 3, out["count"])

	steps := out["steps"].([]any)
	assert.Equal(t, "step one", steps[0])
	assert.Equal(t, "x  y", steps[1].(map[string]any)["hint"])
	assert.Equal(t, 42, steps[2])

	assert.Equal(t, []string{"easy", "geometry"}, out["tags"].([]string))

	// The input structure is not mutated.
	assert.Equal(t, "<script>bad()</script>algebra", in["topic"])
}
