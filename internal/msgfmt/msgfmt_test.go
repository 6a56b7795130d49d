package msgfmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks := Split("hello", 1200)
	require.Equal(t, []string{"hello"}, chunks)
}

func TestSplit_Empty(t *testing.T) {
	require.Nil(t, Split("", 1200))
	require.Nil(t, Split("  \n ", 1200))
}

func TestSplit_JoinLaw(t *testing.T) {
	texts := []string{
		strings.Repeat("word ", 600),
		strings.Repeat("a", 5000),
		strings.Repeat("line one\nline two\n", 300),
		"short",
		strings.Repeat("héllo wörld ", 400),
	}
	for _, text := range texts {
		normalized := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
		chunks := Split(text, 1200)
		require.Equal(t, normalized, strings.Join(chunks, ""))
		for _, c := range chunks {
			require.LessOrEqual(t, len(c), 1200)
		}
	}
}

func TestSplit_PrefersNewlineBoundary(t *testing.T) {
	// A newline at 60% of max should win over the hard cut.
	text := strings.Repeat("x", 700) + "\n" + strings.Repeat("y", 700)
	chunks := Split(text, 1200)
	require.Len(t, chunks, 2)
	require.Equal(t, strings.Repeat("x", 700)+"\n", chunks[0])
	require.Equal(t, strings.Repeat("y", 700), chunks[1])
}

func TestSplit_PrefersSpaceWhenNoNewline(t *testing.T) {
	text := strings.Repeat("x", 1000) + " " + strings.Repeat("y", 500)
	chunks := Split(text, 1200)
	require.Len(t, chunks, 2)
	require.Equal(t, strings.Repeat("x", 1000)+" ", chunks[0])
}

func TestSplit_IgnoresEarlyBoundary(t *testing.T) {
	// The only newline sits below 40% of max, so a hard cut applies.
	text := strings.Repeat("x", 100) + "\n" + strings.Repeat("y", 2000)
	chunks := Split(text, 1200)
	require.Equal(t, 1200, len(chunks[0]))
}

func TestSplit_NeverBreaksRunes(t *testing.T) {
	text := strings.Repeat("é", 3000)
	for _, c := range Split(text, 1200) {
		require.True(t, strings.HasPrefix(text, c) || len([]rune(c)) > 0)
		for _, r := range c {
			require.NotEqual(t, '�', r)
		}
	}
}

func TestStylize_Bold(t *testing.T) {
	require.Equal(t, "\U0001D41B\U0001D42E\U0001D42D", Stylize("**but**"))
	require.Equal(t, "\U0001D41B\U0001D42E\U0001D42D", Stylize("__but__"))
}

func TestStylize_Italic(t *testing.T) {
	require.Equal(t, "\U0001D456\U0001D461", Stylize("*it*"))
	require.Equal(t, "\U0001D456\U0001D461", Stylize("_it_"))
}

func TestStylize_ItalicH(t *testing.T) {
	// Unicode has no U+1D455; Planck's constant stands in for italic h.
	require.Equal(t, "ℎ\U0001D456", Stylize("*hi*"))
}

func TestStylize_Mono(t *testing.T) {
	require.Equal(t, "\U0001D697\U0001D698\U0001D69D\U0001D68E", Stylize("`note`"))
}

func TestStylize_SnakeCaseSurvives(t *testing.T) {
	require.Equal(t, "use snake_case here", Stylize("use snake_case here"))
	require.Equal(t, "a_b_c stays", Stylize("a_b_c stays"))
}

func TestStylize_Idempotent(t *testing.T) {
	inputs := []string{
		"**bold** and *italic* and `mono`",
		"plain text",
		"_underscored_ words",
		"mixed **b** `c` *i* snake_case",
	}
	for _, in := range inputs {
		once := Stylize(in)
		require.Equal(t, once, Stylize(once), "styling must be idempotent for %q", in)
	}
}

func TestStylize_PlainPassthrough(t *testing.T) {
	require.Equal(t, "no markers here", Stylize("no markers here"))
}

func TestComposeInbound(t *testing.T) {
	require.Equal(t, "", ComposeInbound("", ""))
	require.Equal(t, "hello", ComposeInbound("hello", ""))

	urlOnly := ComposeInbound("", "https://cdn.example/img.png")
	require.Equal(t,
		"User attached media URL: https://cdn.example/img.png\nFetch and inspect this attachment URL as needed.",
		urlOnly)

	both := ComposeInbound("look at this", "https://cdn.example/img.png")
	require.Equal(t,
		"User message: look at this\nUser attached media URL: https://cdn.example/img.png\nFetch and inspect this attachment URL as needed.",
		both)
}
