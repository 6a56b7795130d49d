// Package msgfmt holds the pure text transforms applied to messages
// crossing the bridge: outbound chunking, Markdown-to-Unicode styling,
// and inbound media composition.
package msgfmt

import (
	"strings"
	"unicode/utf8"
)

// MaxChunkChars is the provider's outbound message size limit.
const MaxChunkChars = 1200

// boundaryFraction is the minimum fraction of max a newline or space
// boundary must sit above to be preferred over a hard cut.
const boundaryFraction = 0.4

// Split normalizes CRLF to LF, trims the text, and splits it into
// chunks of at most max bytes. A newline boundary is preferred, then a
// space, as long as the boundary lies above 40% of max; otherwise the
// chunk is cut hard (backed off to a rune boundary). The concatenation
// of all chunks equals the normalized, trimmed input.
func Split(text string, max int) []string {
	if max <= 0 {
		max = MaxChunkChars
	}
	t := strings.ReplaceAll(text, "\r\n", "\n")
	t = strings.TrimSpace(t)
	if t == "" {
		return nil
	}

	threshold := int(boundaryFraction * float64(max))
	var chunks []string
	for len(t) > max {
		window := t[:max]

		cut := -1
		if i := strings.LastIndexByte(window, '\n'); i+1 > threshold {
			cut = i + 1
		} else if i := strings.LastIndexByte(window, ' '); i+1 > threshold {
			cut = i + 1
		}
		if cut <= 0 {
			cut = max
			// Never split inside a multi-byte rune.
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}

		chunks = append(chunks, t[:cut])
		t = t[cut:]
	}
	chunks = append(chunks, t)
	return chunks
}
