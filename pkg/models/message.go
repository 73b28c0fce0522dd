package models

import "strings"

// TempIDPrefix marks client-generated placeholder ids used between an
// optimistic append and server confirmation. Entries carrying such an id
// must never be persisted.
const TempIDPrefix = "temp-"

type Message struct {
	ID string `json:"id"`
	// UserID is the conversation owner; all messages of one conversation
	// share it regardless of author.
	UserID string `json:"user_id"`
	Body   string `json:"body"`
	// IsAdmin marks admin-authored messages; AdminID records which admin.
	IsAdmin bool   `json:"is_admin"`
	AdminID string `json:"admin_id,omitempty"`
	Read    bool   `json:"read"`
	// CreatedTS is the creation timestamp (ns). Display order within a
	// conversation is ascending CreatedTS.
	CreatedTS int64 `json:"created_at"`
	UpdatedTS int64 `json:"updated_at,omitempty"`
}

// Pending reports whether the message still carries a temporary id.
func (m Message) Pending() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Author returns the acting identity for self-authorship checks: the
// admin id for admin messages, the conversation owner otherwise.
func (m Message) Author() string {
	if m.IsAdmin {
		return m.AdminID
	}
	return m.UserID
}
