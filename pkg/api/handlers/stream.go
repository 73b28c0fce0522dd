package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"supportchat/pkg/auth"
	"supportchat/pkg/logger"
	"supportchat/pkg/models"
	"supportchat/pkg/session"
	"supportchat/pkg/store"
	"supportchat/pkg/utils"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	streamPageLimit = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// cross-origin policy is already enforced by the gateway middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterStreams registers the WebSocket endpoints.
func RegisterStreams(r *mux.Router) {
	r.HandleFunc("/conversations/{userID}/stream", conversationStream).Methods(http.MethodGet)
	r.HandleFunc("/stream", adminStream).Methods(http.MethodGet)
}

// clientFrame is what a connected view may send: a message body to go
// through the optimistic path, or ids to mark read.
type clientFrame struct {
	Action string   `json:"action"` // send | read
	Body   string   `json:"body,omitempty"`
	IDs    []string `json:"ids,omitempty"`
}

type snapshotFrame struct {
	Kind     string           `json:"kind"`
	Messages []models.Message `json:"messages"`
}

func conversationStream(w http.ResponseWriter, r *http.Request) {
	userID, code, msg := auth.ResolveUserFromRequest(r, mux.Vars(r)["userID"])
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}

	role := session.RoleCustomer
	actor := userID
	if r.Header.Get("X-Role-Name") == "admin" {
		role = session.RoleAdmin
		actor = strings.TrimSpace(r.Header.Get("X-Admin-ID"))
		if actor == "" {
			utils.JSONError(w, http.StatusBadRequest, "missing admin id")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user", userID, "error", err)
		return
	}

	ctrl := session.New(role, actor, session.PebbleStore{}, deps.Hub)
	if err := ctrl.Open(userID, streamPageLimit); err != nil {
		logger.Error("stream_open_failed", "user", userID, "error", err)
		_ = writeFrame(conn, session.Update{Kind: session.UpdateFailed, Error: "open failed"})
		conn.Close()
		return
	}
	logger.Info("stream_opened", "user", userID, "admin", role == session.RoleAdmin)

	if err := writeFrame(conn, snapshotFrame{Kind: "snapshot", Messages: ctrl.Messages()}); err != nil {
		ctrl.Close()
		conn.Close()
		return
	}

	go streamWriter(conn, ctrl)
	streamReader(conn, ctrl, userID, role == session.RoleAdmin)
}

func adminStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Role-Name") != "admin" {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	actor := strings.TrimSpace(r.Header.Get("X-Admin-ID"))
	if actor == "" {
		utils.JSONError(w, http.StatusBadRequest, "missing admin id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}

	ctrl := session.New(session.RoleAdmin, actor, session.PebbleStore{}, deps.Hub)
	if err := ctrl.OpenList(); err != nil {
		logger.Error("admin_stream_open_failed", "error", err)
		conn.Close()
		return
	}
	logger.Info("admin_stream_opened", "admin", actor)

	if err := writeFrame(conn, session.Update{Kind: session.UpdateConversations, Conversations: ctrl.Conversations()}); err != nil {
		ctrl.Close()
		conn.Close()
		return
	}

	go streamWriter(conn, ctrl)
	streamReader(conn, ctrl, "", true)
}

// streamWriter drains controller updates onto the socket and keeps the
// connection alive with pings. It owns all writes after the snapshot.
func streamWriter(conn *websocket.Conn, ctrl *session.Controller) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-ctrl.Updates():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				conn.Close()
				return
			}
			if err := writeFrame(conn, u); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// streamReader consumes client frames until the socket dies, then tears
// the controller down.
func streamReader(conn *websocket.Conn, ctrl *session.Controller, userID string, admin bool) {
	defer func() {
		ctrl.Close()
		conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws_read_error", "error", err)
			}
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Debug("ws_bad_frame", "error", err)
			continue
		}
		switch f.Action {
		case "send":
			if _, err := ctrl.Send(f.Body); err != nil {
				// the failed update already went out on the socket
				logger.Warn("stream_send_failed", "user", userID, "error", err)
				continue
			}
			if userID != "" {
				invalidateConversation(userID)
			}
		case "read":
			if userID == "" {
				continue
			}
			if _, err := store.MarkRead(userID, admin, f.IDs...); err != nil {
				logger.Warn("stream_mark_read_failed", "user", userID, "error", err)
				continue
			}
			invalidateConversation(userID)
		default:
			logger.Debug("ws_unknown_action", "action", f.Action)
		}
	}
}

// writeFrame encodes v through a pooled buffer and writes it as one
// text frame.
func writeFrame(conn *websocket.Conn, v any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, buf.B)
}
