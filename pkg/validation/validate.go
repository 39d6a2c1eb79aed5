package validation

import (
	"errors"
	"fmt"
	"strings"

	"chatsync/pkg/models"
)

// Rules describes configurable validation constraints applied to inbound
// messages before they are persisted or relayed.
type Rules struct {
	Required   []string
	MaxLen     map[string]int
	TypeEnum   []string
	StatusEnum []string
}

var rules = Rules{
	Required: []string{"sender_id", "conversation_id"},
	MaxLen: map[string]int{
		"content":   16384,
		"sender_id": 128,
		"media_ref": 2048,
	},
	TypeEnum:   []string{string(models.TypeText), string(models.TypeMedia), string(models.TypeSharedPost), string(models.TypeSharedReel)},
	StatusEnum: []string{string(models.StatusSent), string(models.StatusDelivered), string(models.StatusRead)},
}

func SetRules(r Rules) { rules = r }

// ValidateMessage checks a message against the configured rules and returns
// a combined error listing every violation.
func ValidateMessage(m models.Message) error {
	var errs []string

	fields := map[string]string{
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"conversation_id": m.ConversationID,
		"content":         m.Content,
		"media_ref":       m.MediaRef,
	}

	for _, f := range rules.Required {
		if strings.TrimSpace(fields[f]) == "" {
			errs = append(errs, fmt.Sprintf("required field missing: %s", f))
		}
	}
	for f, max := range rules.MaxLen {
		if len(fields[f]) > max {
			errs = append(errs, fmt.Sprintf("max length exceeded at %s: %d > %d", f, len(fields[f]), max))
		}
	}
	// empty enums mean unconstrained
	if len(rules.TypeEnum) > 0 && m.Type != "" && !contains(rules.TypeEnum, string(m.Type)) {
		errs = append(errs, fmt.Sprintf("invalid message type: %s", m.Type))
	}
	if len(rules.StatusEnum) > 0 && m.Status != "" && !contains(rules.StatusEnum, string(m.Status)) {
		errs = append(errs, fmt.Sprintf("invalid message status: %s", m.Status))
	}
	if m.Content == "" && m.MediaRef == "" && !m.Deleted {
		errs = append(errs, "content or media_ref is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
