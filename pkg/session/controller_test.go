package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"supportchat/pkg/models"
	"supportchat/pkg/realtime"
)

// fakeStore implements Store in memory so the optimistic state machine
// can be exercised without a database.
type fakeStore struct {
	mu       sync.Mutex
	msgs     []models.Message
	failSave bool
	nextID   int
}

func (f *fakeStore) add(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *fakeStore) ListMessages(userID string, limit int, afterID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SaveMessage(m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return fmt.Errorf("store unavailable")
	}
	if m.Pending() {
		return fmt.Errorf("refusing to persist placeholder id %q", m.ID)
	}
	f.nextID++
	m.ID = fmt.Sprintf("srv-%d", f.nextID)
	m.Read = m.IsAdmin
	f.msgs = append(f.msgs, *m)
	return nil
}

func (f *fakeStore) MarkRead(userID string, viewerIsAdmin bool, ids ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	only := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		only[id] = struct{}{}
	}
	changed := 0
	for i, m := range f.msgs {
		if m.UserID != userID || m.Read || m.IsAdmin == viewerIsAdmin {
			continue
		}
		if len(only) > 0 {
			if _, ok := only[m.ID]; !ok {
				continue
			}
		}
		f.msgs[i].Read = true
		changed++
	}
	return changed, nil
}

func (f *fakeStore) ListConversations() ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := make(map[string]*models.Conversation)
	var order []string
	for _, m := range f.msgs {
		c, ok := agg[m.UserID]
		if !ok {
			c = &models.Conversation{UserID: m.UserID}
			agg[m.UserID] = c
			order = append(order, m.UserID)
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
	out := make([]models.Conversation, 0, len(agg))
	for _, u := range order {
		out = append(out, *agg[u])
	}
	return out, nil
}

func nextUpdate(t *testing.T, c *Controller) Update {
	t.Helper()
	select {
	case u, ok := <-c.Updates():
		if !ok {
			t.Fatalf("updates channel closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

func newTestController(t *testing.T, role Role, actor string, fs *fakeStore) (*Controller, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(5*time.Millisecond, 32)
	t.Cleanup(hub.Close)
	c := New(role, actor, fs, hub)
	t.Cleanup(c.Close)
	return c, hub
}

func TestSendConfirmSwapsTempEntry(t *testing.T) {
	fs := &fakeStore{}
	ctrl, _ := newTestController(t, RoleCustomer, "u1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))

	confirmed, err := ctrl.Send("hello")
	assert.NoError(t, err)
	assert.False(t, strings.HasPrefix(confirmed.ID, models.TempIDPrefix))
	assert.Equal(t, "hello", confirmed.Body)

	pending := nextUpdate(t, ctrl)
	assert.Equal(t, UpdatePending, pending.Kind)
	assert.True(t, pending.Msg.Pending())

	conf := nextUpdate(t, ctrl)
	assert.Equal(t, UpdateConfirmed, conf.Kind)
	assert.Equal(t, pending.Msg.ID, conf.TempID)
	assert.Equal(t, confirmed.ID, conf.Msg.ID)

	// exactly one visible entry, carrying the server id
	msgs := ctrl.Messages()
	assert.Len(t, msgs, 1)
	assert.Equal(t, confirmed.ID, msgs[0].ID)
	for _, m := range msgs {
		assert.False(t, m.Pending(), "placeholder id leaked into the visible list")
	}
}

func TestSendSwapByIDNotPosition(t *testing.T) {
	fs := &fakeStore{}
	fs.add(models.Message{ID: "m1", UserID: "u1", Body: "old", CreatedTS: 100})
	fs.add(models.Message{ID: "m2", UserID: "u1", Body: "older", IsAdmin: true, AdminID: "a1", Read: true, CreatedTS: 200})

	ctrl, _ := newTestController(t, RoleCustomer, "u1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))

	confirmed, err := ctrl.Send("newest")
	assert.NoError(t, err)

	msgs := ctrl.Messages()
	assert.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, confirmed.ID, msgs[2].ID)
}

func TestSendRollbackOnFailure(t *testing.T) {
	fs := &fakeStore{failSave: true}
	ctrl, _ := newTestController(t, RoleCustomer, "u1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))

	_, err := ctrl.Send("doomed")
	assert.Error(t, err)

	pending := nextUpdate(t, ctrl)
	assert.Equal(t, UpdatePending, pending.Kind)

	failed := nextUpdate(t, ctrl)
	assert.Equal(t, UpdateFailed, failed.Kind)
	assert.Equal(t, pending.Msg.ID, failed.TempID)
	assert.NotEmpty(t, failed.Error)
	// the body survives so the composer can be restored
	assert.Equal(t, "doomed", failed.Msg.Body)

	assert.Empty(t, ctrl.Messages(), "rolled-back entry must not remain visible")
}

func TestSendRequiresFocusedConversation(t *testing.T) {
	fs := &fakeStore{}
	ctrl, _ := newTestController(t, RoleCustomer, "u1", fs)
	_, err := ctrl.Send("hello")
	assert.Error(t, err)
	_, err = ctrl.Send("")
	assert.Error(t, err)
}

func TestIncomingDedupAgainstInitialPage(t *testing.T) {
	fs := &fakeStore{}
	m1 := models.Message{ID: "m1", UserID: "u1", Body: "hi", IsAdmin: true, AdminID: "a1", Read: true, CreatedTS: 100}
	fs.add(m1)

	ctrl, hub := newTestController(t, RoleCustomer, "u1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))
	assert.Len(t, ctrl.Messages(), 1)

	// re-delivery of a message already loaded by the page fetch
	hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: m1})

	// a genuinely new counter-party message
	m2 := models.Message{ID: "m2", UserID: "u1", Body: "anything else?", IsAdmin: true, AdminID: "a1", CreatedTS: 200}
	fs.add(m2)
	hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: m2})

	u := nextUpdate(t, ctrl)
	assert.Equal(t, UpdateIncoming, u.Kind)
	assert.Equal(t, "m2", u.Msg.ID)

	msgs := ctrl.Messages()
	assert.Len(t, msgs, 2, "duplicate delivery must not add a second m1")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestIncomingOnFocusedConversationMarkedRead(t *testing.T) {
	fs := &fakeStore{}
	ctrl, hub := newTestController(t, RoleAdmin, "a1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))

	inc := models.Message{ID: "c1", UserID: "u1", Body: "help", CreatedTS: 100}
	fs.add(inc)
	hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: inc})

	u := nextUpdate(t, ctrl)
	assert.Equal(t, UpdateIncoming, u.Kind)

	// the viewer had the conversation open, so the message is read
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.msgs {
		if m.ID == "c1" {
			assert.True(t, m.Read)
		}
	}
}

func TestDeleteEventRemovesEntry(t *testing.T) {
	fs := &fakeStore{}
	m1 := models.Message{ID: "m1", UserID: "u1", Body: "oops", IsAdmin: true, AdminID: "a1", Read: true, CreatedTS: 100}
	fs.add(m1)

	ctrl, hub := newTestController(t, RoleCustomer, "u1", fs)
	assert.NoError(t, ctrl.Open("u1", 50))
	assert.Len(t, ctrl.Messages(), 1)

	hub.Publish(realtime.Event{Type: realtime.EventDelete, Msg: m1})

	u := nextUpdate(t, ctrl)
	assert.Equal(t, UpdateRemoved, u.Kind)
	assert.Equal(t, "m1", u.Msg.ID)
	assert.Empty(t, ctrl.Messages())
}

func TestSwitchConversationDropsStaleEvents(t *testing.T) {
	fs := &fakeStore{}
	ctrl, hub := newTestController(t, RoleAdmin, "a1", fs)
	assert.NoError(t, ctrl.Open("convA", 50))

	// a burst larger than the updates buffer so the old pump is still
	// mid-batch when focus switches
	for i := 0; i < 70; i++ {
		m := models.Message{ID: fmt.Sprintf("a-%d", i), UserID: "convA", Body: "from A", CreatedTS: int64(100 + i)}
		fs.add(m)
		hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: m})
	}
	// wait until the first deliveries prove the old pump is running
	nextUpdate(t, ctrl)

	assert.NoError(t, ctrl.Open("convB", 50))

	// drain everything still in flight from both subscriptions
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-ctrl.Updates():
			if !ok {
				break drain
			}
		case <-time.After(200 * time.Millisecond):
			break drain
		case <-deadline:
			break drain
		}
	}

	for _, m := range ctrl.Messages() {
		assert.Equal(t, "convB", m.UserID, "message %s leaked across the conversation switch", m.ID)
	}
}

func TestStaleDeleteDoesNotTouchNewConversation(t *testing.T) {
	fs := &fakeStore{}
	ctrl, hub := newTestController(t, RoleAdmin, "a1", fs)
	assert.NoError(t, ctrl.Open("convA", 50))

	b1 := models.Message{ID: "b-1", UserID: "convB", Body: "keep", CreatedTS: 100}
	fs.add(b1)
	assert.NoError(t, ctrl.Open("convB", 50))
	assert.Len(t, ctrl.Messages(), 1)

	// a delete for another conversation must not remove anything here
	hub.Publish(realtime.Event{Type: realtime.EventDelete, Msg: models.Message{ID: "b-1", UserID: "convA", CreatedTS: 50}})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ctrl.Messages(), 1)
}

func TestAdminListScope(t *testing.T) {
	fs := &fakeStore{}
	fs.add(models.Message{ID: "m1", UserID: "u1", Body: "hi", CreatedTS: 100})

	ctrl, hub := newTestController(t, RoleAdmin, "a1", fs)
	assert.NoError(t, ctrl.OpenList())

	convs := ctrl.Conversations()
	assert.Len(t, convs, 1)
	assert.Equal(t, "u1", convs[0].UserID)
	assert.Equal(t, 1, convs[0].Unread)

	// customer activity in another conversation refreshes the aggregates
	m2 := models.Message{ID: "m2", UserID: "u2", Body: "hello?", CreatedTS: 200}
	fs.add(m2)
	hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: m2})

	var got Update
	for {
		got = nextUpdate(t, ctrl)
		if got.Kind == UpdateConversations {
			break
		}
	}
	assert.Len(t, got.Conversations, 2)
}

func TestOpenListRequiresAdmin(t *testing.T) {
	fs := &fakeStore{}
	ctrl, _ := newTestController(t, RoleCustomer, "u1", fs)
	assert.Error(t, ctrl.OpenList())
}

func TestCloseClosesUpdates(t *testing.T) {
	fs := &fakeStore{}
	hub := realtime.NewHub(5*time.Millisecond, 32)
	defer hub.Close()
	ctrl := New(RoleCustomer, "u1", fs, hub)
	assert.NoError(t, ctrl.Open("u1", 50))
	ctrl.Close()
	ctrl.Close() // idempotent

	select {
	case _, ok := <-ctrl.Updates():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("updates channel not closed")
	}
}
