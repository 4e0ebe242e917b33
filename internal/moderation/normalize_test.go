package moderation

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalize(t *testing.T) {
	prompts := PromptSet{Content: "C", Username: "U", Image: "I"}

	tests := []struct {
		name    string
		event   Event
		task    Task
		prompt  string
		text    string
		vision  bool
		wantErr bool
	}{
		{"text", TextMessage{Text: "  hello there "}, TaskText, "C", "hello there", false, false},
		{"username", UsernameChange{EventMeta: EventMeta{Username: "Free Crypto Bot"}}, TaskUsername, "U", "Free Crypto Bot", false, false},
		{"image bytes", ImageMessage{Image: Image{Data: []byte{0xff, 0xd8}}}, TaskImage, "I", "", true, false},
		{"image url", ImageMessage{Image: Image{URL: "https://cdn.example/a.jpg"}}, TaskImage, "I", "", true, false},
		{"empty text", TextMessage{Text: "   \n"}, "", "", "", false, true},
		{"invalid utf8", TextMessage{Text: "\xff\xfe"}, "", "", "", false, true},
		{"empty username", UsernameChange{}, "", "", "", false, true},
		{"image without payload", ImageMessage{}, "", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Normalize(tt.event, prompts)
			if tt.wantErr {
				var uce *UnsupportedContentError
				if !errors.As(err, &uce) {
					t.Fatalf("Normalize err = %v, want *UnsupportedContentError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if req.Task != tt.task || req.Prompt != tt.prompt || req.Text != tt.text || req.Vision != tt.vision {
				t.Errorf("Normalize = %+v", req)
			}
			if tt.vision && req.Image == nil {
				t.Error("image request without image")
			}
		})
	}
}

func TestNormalize_DefaultPrompts(t *testing.T) {
	req, err := Normalize(TextMessage{Text: "hi"}, PromptSet{})
	if err != nil {
		t.Fatal(err)
	}
	if req.Prompt != DefaultPromptSet().Content {
		t.Error("empty prompt set did not fall back to the default content prompt")
	}
}

func TestNormalize_TruncatesOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("é", MaxTextBytes) // 2 bytes per rune
	req, err := Normalize(TextMessage{Text: "a" + text}, PromptSet{})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Text) > MaxTextBytes {
		t.Fatalf("len = %d, want <= %d", len(req.Text), MaxTextBytes)
	}
	if !utf8.ValidString(req.Text) {
		t.Fatal("truncation split a rune")
	}
}

func TestVerdict_ZeroIsUnknown(t *testing.T) {
	var v Verdict
	if v != VerdictUnknown || v.String() != "unknown" {
		t.Fatalf("zero Verdict = %v", v)
	}
}
