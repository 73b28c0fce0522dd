// Package validation rejects malformed messages before any I/O is
// attempted.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"supportchat/pkg/models"
)

// Rules holds configurable validation limits.
type Rules struct {
	// MaxBodyLen bounds the message body in bytes; 0 means the default.
	MaxBodyLen int
	// MaxIDLen bounds identity fields (conversation owner, admin id).
	MaxIDLen int
}

const (
	defaultMaxBodyLen = 4096
	defaultMaxIDLen   = 128
)

var rules Rules

// SetRules installs limits from config. Called once at startup.
func SetRules(r Rules) { rules = r }

// ValidateMessage checks required fields and limits.
func ValidateMessage(m models.Message) error {
	var errs []string
	if strings.TrimSpace(m.Body) == "" {
		errs = append(errs, "body is required")
	}
	if m.UserID == "" {
		errs = append(errs, "conversation id is required")
	}
	if m.IsAdmin && m.AdminID == "" {
		errs = append(errs, "admin messages require admin_id")
	}
	if !m.IsAdmin && m.AdminID != "" {
		errs = append(errs, "customer messages must not carry admin_id")
	}
	maxBody := rules.MaxBodyLen
	if maxBody <= 0 {
		maxBody = defaultMaxBodyLen
	}
	if len(m.Body) > maxBody {
		errs = append(errs, fmt.Sprintf("body too long: %d > %d", len(m.Body), maxBody))
	}
	maxID := rules.MaxIDLen
	if maxID <= 0 {
		maxID = defaultMaxIDLen
	}
	if len(m.UserID) > maxID {
		errs = append(errs, "conversation id too long")
	}
	if len(m.AdminID) > maxID {
		errs = append(errs, "admin id too long")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
