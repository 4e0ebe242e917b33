package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sheriffbot/sheriff/internal/moderation"
)

func TestParseEvent_TextMessage(t *testing.T) {
	input := []byte(`{"type":"text_message","id":"ev-1","chat_id":-1001,"user_id":42,"username":"dusty","message_id":77,"ts":1700000000000,"text":"hello"}`)

	ev, err := ParseEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := ev.(moderation.TextMessage)
	if !ok {
		t.Fatalf("expected moderation.TextMessage, got %T", ev)
	}
	if tm.ID != "ev-1" || tm.ChatID != -1001 || tm.UserID != 42 || tm.Username != "dusty" || tm.MessageID != 77 {
		t.Errorf("unexpected meta: %+v", tm.EventMeta)
	}
	if !tm.At.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("At = %v", tm.At)
	}
	if tm.Text != "hello" {
		t.Errorf("Text = %q", tm.Text)
	}
}

func TestParseEvent_UsernameChange(t *testing.T) {
	input := []byte(`{"type":"username_change","chat_id":5,"user_id":6,"username":"Admin Support","previous_username":"bob"}`)

	ev, err := ParseEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uc, ok := ev.(moderation.UsernameChange)
	if !ok {
		t.Fatalf("expected moderation.UsernameChange, got %T", ev)
	}
	if uc.Username != "Admin Support" || uc.Previous != "bob" {
		t.Errorf("unexpected event: %+v", uc)
	}
	if uc.ID == "" {
		t.Error("missing id was not generated")
	}
	if uc.At.IsZero() {
		t.Error("missing ts was not defaulted")
	}
}

func TestParseEvent_ImageMessage(t *testing.T) {
	input := []byte(`{"type":"image_message","chat_id":5,"user_id":6,"message_id":9,"image_data":"aGVsbG8=","image_mime":"image/png"}`)

	ev, err := ParseEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	im, ok := ev.(moderation.ImageMessage)
	if !ok {
		t.Fatalf("expected moderation.ImageMessage, got %T", ev)
	}
	if string(im.Image.Data) != "hello" || im.Image.MIME != "image/png" {
		t.Errorf("unexpected image: %+v", im.Image)
	}
}

func TestParseEvent_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"chat_id":1,"user_id":2}`},
		{"unknown type", `{"type":"sticker","chat_id":1,"user_id":2}`},
		{"missing chat", `{"type":"text_message","user_id":2,"text":"x"}`},
		{"missing user", `{"type":"text_message","chat_id":1,"text":"x"}`},
		{"wrong field type", `{"type":"text_message","chat_id":"one","user_id":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEvent([]byte(tt.input)); err == nil {
				t.Errorf("ParseEvent(%s) returned no error", tt.input)
			}
		})
	}
}

func TestCommand_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Command{Type: CommandBan, ChatID: 1, UserID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"ban","chat_id":1,"user_id":2}` {
		t.Errorf("Command JSON = %s", data)
	}
}
