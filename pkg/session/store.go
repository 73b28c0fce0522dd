package session

import (
	"supportchat/pkg/models"
	"supportchat/pkg/store"
)

// PebbleStore adapts the package-level store accessor to the Store
// interface.
type PebbleStore struct{}

func (PebbleStore) ListMessages(userID string, limit int, afterID string) ([]models.Message, error) {
	return store.ListMessages(userID, limit, afterID)
}

func (PebbleStore) SaveMessage(m *models.Message) error {
	return store.SaveMessage(m)
}

func (PebbleStore) MarkRead(userID string, viewerIsAdmin bool, ids ...string) (int, error) {
	return store.MarkRead(userID, viewerIsAdmin, ids...)
}

func (PebbleStore) ListConversations() ([]models.Conversation, error) {
	return store.ListConversations()
}
