package models

// Conversation is a derived aggregate keyed by the conversation owner.
// It is recomputed on each listing, never stored.
type Conversation struct {
	UserID string `json:"user_id"`
	// Latest message in the conversation (most-recent-wins fold).
	LastBody    string `json:"last_body"`
	LastTS      int64  `json:"last_ts"`
	LastIsAdmin bool   `json:"last_is_admin"`
	// Unread counts customer-authored unread messages (the admin view).
	Unread int `json:"unread"`
}

// Profile resolves display identity for a conversation participant.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}
