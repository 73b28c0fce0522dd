// Package session implements the chat view controller: it owns the
// in-memory message list for one viewer, performs optimistic sends and
// reconciles them with store confirmations and realtime deliveries.
// One controller serves both roles and both scopes (a focused
// conversation or the admin conversation list).
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/realtime"
	"supportchat/pkg/telemetry"
	"supportchat/pkg/utils"
)

// Role selects which side of the conversation the controller acts for.
type Role int

const (
	RoleCustomer Role = iota
	RoleAdmin
)

// Store is the slice of the message store the controller needs. The
// concrete implementation is pkg/store; tests substitute fakes.
type Store interface {
	ListMessages(userID string, limit int, afterID string) ([]models.Message, error)
	SaveMessage(m *models.Message) error
	MarkRead(userID string, viewerIsAdmin bool, ids ...string) (int, error)
	ListConversations() ([]models.Conversation, error)
}

// UpdateKind tags controller notifications.
type UpdateKind string

const (
	// UpdatePending announces the optimistic entry just appended.
	UpdatePending UpdateKind = "pending"
	// UpdateConfirmed announces the store-confirmed entry that replaced
	// a pending one; TempID names the id that was swapped out.
	UpdateConfirmed UpdateKind = "confirmed"
	// UpdateFailed announces a rolled-back send; Msg still carries the
	// body so callers can restore the input.
	UpdateFailed UpdateKind = "failed"
	// UpdateIncoming announces a genuinely new counter-party message.
	UpdateIncoming UpdateKind = "incoming"
	// UpdateRemoved announces a deletion observed via the bridge.
	UpdateRemoved UpdateKind = "removed"
	// UpdateConversations announces refreshed list aggregates.
	UpdateConversations UpdateKind = "conversations"
)

// Update is one notification to the view.
type Update struct {
	Kind          UpdateKind            `json:"kind"`
	Msg           models.Message        `json:"message,omitempty"`
	TempID        string                `json:"temp_id,omitempty"`
	Error         string                `json:"error,omitempty"`
	Conversations []models.Conversation `json:"conversations,omitempty"`
}

// Controller reconciles the two writers to the visible list: the
// optimistic send path and realtime delivery. All merging is keyed by
// id; a pending entry is identified by its temp id and swapped in
// place on confirmation, never by positional assumptions.
type Controller struct {
	role  Role
	actor string
	st    Store
	hub   *realtime.Hub

	mu      sync.Mutex
	userID  string
	focused bool
	msgs    []models.Message
	convs   []models.Conversation
	sub     *realtime.Subscription
	closed  bool

	updates chan Update
	done    chan struct{}
}

// New creates a controller for the given role. actor is the acting
// identity (customer user id or admin id) used for self-authorship
// filtering.
func New(role Role, actor string, st Store, hub *realtime.Hub) *Controller {
	return &Controller{
		role:    role,
		actor:   actor,
		st:      st,
		hub:     hub,
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
	}
}

// Updates delivers view notifications. The channel closes when the
// controller does.
func (c *Controller) Updates() <-chan Update { return c.updates }

// Open focuses a conversation: loads the initial page, marks
// counter-party messages read and subscribes to its change events.
func (c *Controller) Open(userID string, pageLimit int) error {
	if userID == "" {
		return fmt.Errorf("missing conversation id")
	}
	msgs, err := c.st.ListMessages(userID, pageLimit, "")
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", userID, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller closed")
	}
	c.teardownLocked()
	c.userID = userID
	c.focused = true
	c.msgs = msgs
	sortByCreated(c.msgs)
	c.sub = c.hub.Subscribe(realtime.Filter{UserID: userID}, c.actor)
	sub := c.sub
	c.mu.Unlock()

	if _, err := c.st.MarkRead(userID, c.role == RoleAdmin); err != nil {
		logger.Warn("open_mark_read_failed", "conv", userID, "error", err)
	}
	go c.pump(sub)
	return nil
}

// OpenList switches an admin controller to the conversation-list scope:
// loads aggregates and subscribes to customer-authored events across
// all conversations.
func (c *Controller) OpenList() error {
	if c.role != RoleAdmin {
		return fmt.Errorf("conversation list requires the admin role")
	}
	convs, err := c.st.ListConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller closed")
	}
	c.teardownLocked()
	c.userID = ""
	c.focused = false
	c.convs = convs
	c.sub = c.hub.Subscribe(realtime.Filter{CustomerOnly: true}, c.actor)
	sub := c.sub
	c.mu.Unlock()

	go c.pump(sub)
	return nil
}

// Send runs the optimistic state machine: append a temp entry, persist,
// then swap the temp entry for the confirmed record or roll it back on
// failure. The returned message is the confirmed record.
func (c *Controller) Send(body string) (models.Message, error) {
	if body == "" {
		return models.Message{}, fmt.Errorf("empty message body")
	}
	c.mu.Lock()
	if c.userID == "" {
		c.mu.Unlock()
		return models.Message{}, fmt.Errorf("no focused conversation")
	}
	temp := models.Message{
		ID:        utils.GenTempID(),
		UserID:    c.userID,
		Body:      body,
		IsAdmin:   c.role == RoleAdmin,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if c.role == RoleAdmin {
		temp.AdminID = c.actor
		temp.Read = true
	}
	c.msgs = append(c.msgs, temp)
	sortByCreated(c.msgs)
	c.mu.Unlock()
	c.emit(Update{Kind: UpdatePending, Msg: temp})

	confirmed := temp
	confirmed.ID = "" // store assigns the real id
	if err := c.st.SaveMessage(&confirmed); err != nil {
		c.mu.Lock()
		c.removeLocked(temp.ID)
		c.mu.Unlock()
		telemetry.SendsRolledBack.Inc()
		c.emit(Update{Kind: UpdateFailed, Msg: temp, TempID: temp.ID, Error: err.Error()})
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	// swap in place by temp id; if the conversation switched mid-send
	// the entry is gone and the persisted record simply isn't shown here
	for i := range c.msgs {
		if c.msgs[i].ID == temp.ID {
			c.msgs[i] = confirmed
			break
		}
	}
	c.mu.Unlock()
	telemetry.SendsConfirmed.Inc()
	c.emit(Update{Kind: UpdateConfirmed, Msg: confirmed, TempID: temp.ID})
	c.hub.Publish(realtime.Event{Type: realtime.EventInsert, Msg: confirmed})
	return confirmed, nil
}

// Messages returns a snapshot of the visible list, sorted ascending by
// creation time.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Conversations returns a snapshot of the list aggregates.
func (c *Controller) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Conversation, len(c.convs))
	copy(out, c.convs)
	return out
}

// Close tears down the subscription and closes the updates channel.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	close(c.done)
	close(c.updates)
}

func (c *Controller) teardownLocked() {
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Controller) removeLocked(id string) {
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			return
		}
	}
}

func (c *Controller) emit(u Update) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

// pump consumes debounced event batches from one subscription until it
// closes. The subscription's seen-id and self-author checks already ran;
// the id guard here only protects against entries loaded by the initial
// page fetch. Each handler re-checks that sub is still the live
// subscription: a scope switch tears the old one down, and events it
// already batched must not reach the new view.
func (c *Controller) pump(sub *realtime.Subscription) {
	for batch := range sub.C {
		for _, e := range batch {
			switch e.Type {
			case realtime.EventInsert:
				c.handleInsert(sub, e.Msg)
			case realtime.EventDelete:
				c.handleDelete(sub, e.Msg)
			}
		}
		c.refreshAggregates(sub)
	}
}

func (c *Controller) handleInsert(sub *realtime.Subscription, m models.Message) {
	c.mu.Lock()
	if c.sub != sub || c.closed {
		c.mu.Unlock()
		return
	}
	if c.userID != "" {
		if m.UserID != c.userID {
			c.mu.Unlock()
			return
		}
		for i := range c.msgs {
			if c.msgs[i].ID == m.ID {
				c.mu.Unlock()
				return
			}
		}
		c.msgs = append(c.msgs, m)
		sortByCreated(c.msgs)
	}
	focused := c.focused && c.userID == m.UserID
	c.mu.Unlock()

	if focused {
		if _, err := c.st.MarkRead(m.UserID, c.role == RoleAdmin, m.ID); err != nil {
			logger.Warn("incoming_mark_read_failed", "conv", m.UserID, "error", err)
		}
	}
	c.emit(Update{Kind: UpdateIncoming, Msg: m})
}

func (c *Controller) handleDelete(sub *realtime.Subscription, m models.Message) {
	c.mu.Lock()
	if c.sub != sub || c.closed {
		c.mu.Unlock()
		return
	}
	if c.userID != "" && m.UserID != c.userID {
		c.mu.Unlock()
		return
	}
	c.removeLocked(m.ID)
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateRemoved, Msg: m})
}

// refreshAggregates recomputes the conversation list after a batch of
// events when the controller is in list scope.
func (c *Controller) refreshAggregates(sub *realtime.Subscription) {
	c.mu.Lock()
	listScope := c.sub == sub && c.role == RoleAdmin && c.userID == "" && !c.closed
	c.mu.Unlock()
	if !listScope {
		return
	}
	convs, err := c.st.ListConversations()
	if err != nil {
		logger.Warn("refresh_conversations_failed", "error", err)
		return
	}
	c.mu.Lock()
	c.convs = convs
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateConversations, Conversations: convs})
}

func sortByCreated(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedTS < msgs[j].CreatedTS
	})
}
