package validation

import (
	"strings"
	"testing"

	"chatsync/pkg/models"
)

func valid() models.Message {
	return models.Message{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Content:        "hi",
		CreatedAt:      100,
		Status:         models.StatusSent,
		Type:           models.TypeText,
	}
}

func TestValidMessagePasses(t *testing.T) {
	if err := ValidateMessage(valid()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequiredFields(t *testing.T) {
	m := valid()
	m.SenderID = "  "
	m.ConversationID = ""
	err := ValidateMessage(m)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"sender_id", "conversation_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error should name %s: %v", want, err)
		}
	}
}

func TestContentOrMediaRequired(t *testing.T) {
	m := valid()
	m.Content = ""
	if err := ValidateMessage(m); err == nil {
		t.Fatalf("empty content without media must fail")
	}
	m.MediaRef = "media/abc"
	if err := ValidateMessage(m); err != nil {
		t.Fatalf("media-only message should pass: %v", err)
	}
	// tombstones carry neither
	m.MediaRef = ""
	m.Deleted = true
	if err := ValidateMessage(m); err != nil {
		t.Fatalf("tombstone should pass: %v", err)
	}
}

func TestMaxLen(t *testing.T) {
	m := valid()
	m.Content = strings.Repeat("x", 16385)
	err := ValidateMessage(m)
	if err == nil || !strings.Contains(err.Error(), "max length") {
		t.Fatalf("oversized content must fail: %v", err)
	}
}

func TestEnums(t *testing.T) {
	m := valid()
	m.Type = "voice"
	if err := ValidateMessage(m); err == nil {
		t.Fatalf("unknown type must fail")
	}
	m = valid()
	m.Status = "SEEN"
	if err := ValidateMessage(m); err == nil {
		t.Fatalf("unknown status must fail")
	}
}

func TestSetRulesOverrides(t *testing.T) {
	old := rules
	defer SetRules(old)

	SetRules(Rules{Required: []string{"receiver_id"}})
	m := valid()
	if err := ValidateMessage(m); err == nil {
		t.Fatalf("missing receiver_id must fail under custom rules")
	}
	m.ReceiverID = "bob"
	if err := ValidateMessage(m); err != nil {
		t.Fatalf("custom rules should pass: %v", err)
	}
}
