package msgfmt

import (
	"fmt"
	"strings"
)

// ComposeInbound builds the agent input for an inbound message carrying
// optional media. A media URL without text yields an instruction to
// fetch the attachment; text plus a URL stacks the user message above
// that instruction. Empty text and no URL yields "".
func ComposeInbound(text, mediaURL string) string {
	text = strings.TrimSpace(text)
	mediaURL = strings.TrimSpace(mediaURL)

	if mediaURL == "" {
		return text
	}

	attachment := fmt.Sprintf("User attached media URL: %s\nFetch and inspect this attachment URL as needed.", mediaURL)
	if text == "" {
		return attachment
	}
	return fmt.Sprintf("User message: %s\n%s", text, attachment)
}
