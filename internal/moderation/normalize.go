package moderation

import (
	"strings"
	"unicode/utf8"
)

// MaxTextBytes is the longest message body sent to the classifier. Longer
// bodies are truncated on a rune boundary.
const MaxTextBytes = 4096

// Normalize converts an event into a classification request. Events without
// classifiable content yield an *UnsupportedContentError.
func Normalize(ev Event, prompts PromptSet) (Request, error) {
	prompts = prompts.WithDefaults()

	switch e := ev.(type) {
	case TextMessage:
		text, err := cleanText(KindText, e.Text)
		if err != nil {
			return Request{}, err
		}
		return Request{Task: TaskText, Prompt: prompts.Content, Text: truncate(text, MaxTextBytes)}, nil

	case UsernameChange:
		name, err := cleanText(KindUsername, e.Username)
		if err != nil {
			return Request{}, err
		}
		return Request{Task: TaskUsername, Prompt: prompts.Username, Text: truncate(name, MaxTextBytes)}, nil

	case ImageMessage:
		if len(e.Image.Data) == 0 && strings.TrimSpace(e.Image.URL) == "" {
			return Request{}, &UnsupportedContentError{Kind: KindImage, Reason: "no image data or url"}
		}
		img := e.Image
		return Request{Task: TaskImage, Prompt: prompts.Image, Image: &img, Vision: true}, nil

	case nil:
		return Request{}, &UnsupportedContentError{Kind: "none", Reason: "nil event"}

	default:
		return Request{}, &UnsupportedContentError{Kind: ev.Kind(), Reason: "unknown event type"}
	}
}

func cleanText(kind Kind, s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", &UnsupportedContentError{Kind: kind, Reason: "invalid utf-8"}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &UnsupportedContentError{Kind: kind, Reason: "empty"}
	}
	return s, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
