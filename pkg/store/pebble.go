// Package store is the message store accessor: ordered message pages,
// incremental fetches, read-state flips, hard deletes and conversation
// aggregates over an embedded Pebble database.
//
// Key layout:
//
//	conv:<userID>:msg:<unix_nano_padded>-<seq>  -> message JSON
//	msgid:<messageID>                           -> primary key
//	profile:<userID>                            -> profile JSON
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/utils"
)

var db *pebble.DB

// seq reduces key collisions when multiple messages share the same
// nanosecond timestamp.
var seq uint64

// Open opens (or creates) a Pebble database at the given path and keeps
// a package handle for simple usage.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func msgKey(userID string, ts int64, s uint64) string {
	return fmt.Sprintf("conv:%s:msg:%020d-%06d", userID, ts, s)
}

func idKey(msgID string) string {
	return "msgid:" + msgID
}

func convPrefix(userID string) []byte {
	return []byte("conv:" + userID + ":msg:")
}

// SaveMessage persists a new message in a single atomic batch (row plus
// id index). Missing id/timestamp are assigned; the read flag defaults
// by author: customer-authored messages start unread, admin-authored
// messages are stored read. Placeholder ids are refused outright.
func SaveMessage(m *models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if m.UserID == "" {
		return fmt.Errorf("missing conversation id")
	}
	if m.Pending() {
		return fmt.Errorf("refusing to persist placeholder id %q", m.ID)
	}
	if m.ID == "" {
		m.ID = utils.GenID()
	}
	if m.CreatedTS == 0 {
		m.CreatedTS = time.Now().UTC().UnixNano()
	}
	m.Read = m.IsAdmin

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s := atomic.AddUint64(&seq, 1)
	key := msgKey(m.UserID, m.CreatedTS, s)

	wb := db.NewBatch()
	defer wb.Close()
	if err := wb.Set([]byte(key), data, nil); err != nil {
		return err
	}
	if err := wb.Set([]byte(idKey(m.ID)), []byte(key), nil); err != nil {
		return err
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conv", m.UserID, "key", key, "error", err)
		return err
	}
	logger.Info("message_saved", "conv", m.UserID, "id", m.ID, "is_admin", m.IsAdmin)
	return nil
}

// GetMessage returns the stored message for an id.
func GetMessage(msgID string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	pk, closer, err := db.Get([]byte(idKey(msgID)))
	if err != nil {
		return m, err
	}
	key := append([]byte(nil), pk...)
	closer.Close()
	v, closer, err := db.Get(key)
	if err != nil {
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message: %w", err)
	}
	return m, nil
}

// ListMessages returns up to limit messages for a conversation in
// ascending creation order. When afterID is given its timestamp is
// resolved first and only strictly newer rows are returned, so callers
// can fetch increments without re-downloading history. Results are
// deduplicated by id.
func ListMessages(userID string, limit int, afterID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := convPrefix(userID)
	start := prefix
	if afterID != "" {
		pk, closer, err := db.Get([]byte(idKey(afterID)))
		if err != nil {
			return nil, fmt.Errorf("resolve after id %q: %w", afterID, err)
		}
		if !bytes.HasPrefix(pk, prefix) {
			closer.Close()
			return nil, fmt.Errorf("after id %q not in conversation %s", afterID, userID)
		}
		// seek to the row just past the anchor key
		start = append(append([]byte(nil), pk...), 0)
		closer.Close()
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]models.Message, 0)
	seen := make(map[string]struct{})
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_invalid_json", "conv", userID, "key", string(iter.Key()))
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MarkRead flips read=true for unread counter-party messages in the
// conversation, or only the given ids when provided. Returns how many
// rows changed; calling it again is a no-op.
func MarkRead(userID string, viewerIsAdmin bool, ids ...string) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	only := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		only[id] = struct{}{}
	}
	prefix := convPrefix(userID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	now := time.Now().UTC().UnixNano()
	changed := 0
	wb := db.NewBatch()
	defer wb.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Read || m.IsAdmin == viewerIsAdmin {
			continue
		}
		if len(only) > 0 {
			if _, ok := only[m.ID]; !ok {
				continue
			}
		}
		m.Read = true
		m.UpdatedTS = now
		nb, err := json.Marshal(m)
		if err != nil {
			return changed, fmt.Errorf("failed to marshal message: %w", err)
		}
		k := append([]byte(nil), iter.Key()...)
		if err := wb.Set(k, nb, nil); err != nil {
			return changed, err
		}
		changed++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if changed == 0 {
		return 0, nil
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("mark_read_failed", "conv", userID, "error", err)
		return 0, err
	}
	logger.Info("messages_marked_read", "conv", userID, "count", changed)
	return changed, nil
}

// DeleteMessage hard-deletes a message row and its id index. There is
// no tombstone.
func DeleteMessage(msgID string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	pk, closer, err := db.Get([]byte(idKey(msgID)))
	if err != nil {
		return err
	}
	key := append([]byte(nil), pk...)
	closer.Close()

	wb := db.NewBatch()
	defer wb.Close()
	if err := wb.Delete(key, nil); err != nil {
		return err
	}
	if err := wb.Delete([]byte(idKey(msgID)), nil); err != nil {
		return err
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("delete_message_failed", "id", msgID, "error", err)
		return err
	}
	logger.Info("message_deleted", "id", msgID)
	return nil
}

// CountUnread returns the number of unread counter-party messages in a
// conversation for the given viewer role.
func CountUnread(userID string, viewerIsAdmin bool) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := convPrefix(userID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if !m.Read && m.IsAdmin != viewerIsAdmin {
			n++
		}
	}
	return n, iter.Error()
}

// ListConversations folds over all stored messages most-recent-wins per
// conversation owner and counts customer-authored unread rows in the
// same pass (the admin view). Sorted by latest timestamp descending.
func ListConversations() ([]models.Conversation, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("conv:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	agg := make(map[string]*models.Conversation)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		c, ok := agg[m.UserID]
		if !ok {
			c = &models.Conversation{UserID: m.UserID}
			agg[m.UserID] = c
		}
		if m.CreatedTS >= c.LastTS {
			c.LastTS = m.CreatedTS
			c.LastBody = m.Body
			c.LastIsAdmin = m.IsAdmin
		}
		if !m.Read && !m.IsAdmin {
			c.Unread++
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(agg))
	for _, c := range agg {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTS > out[j].LastTS })
	return out, nil
}
