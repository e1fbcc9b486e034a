package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

// Hub fans change-feed traffic out to websocket clients. Each client owns a
// full per-connection engine: its own poll store, session watcher and timer.
// Nothing is shared between clients except the backing store and the feed.
type Hub struct {
	db       *gorm.DB
	feed     Feed
	sessions *SessionManager
	logger   *zap.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	cancels    []func()
}

type Client struct {
	hub       *Hub
	id        string
	socket    *websocket.Conn
	send      chan []byte
	sessionID string

	store   *PollStore
	session *Session
	timer   *PollTimer
	cancel  context.CancelFunc
}

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(db *gorm.DB, feed Feed, sessions *SessionManager, logger *zap.Logger) *Hub {
	return &Hub{
		db:         db,
		feed:       feed,
		sessions:   sessions,
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Start opens the hub-level subscriptions: chat messages and student updates
// go to every connected client.
func (h *Hub) Start() error {
	cancelChat, err := h.feed.Subscribe(TableChatMessages, []string{EventInsert}, func(e Event) {
		var msg models.ChatMessage
		if err := json.Unmarshal(e.Row, &msg); err != nil {
			h.logger.Warn("chat event decode failed", zap.Error(err))
			return
		}
		h.Broadcast("chat_message", msg)
	})
	if err != nil {
		return err
	}
	h.cancels = append(h.cancels, cancelChat)

	cancelStudents, err := h.feed.Subscribe(TableStudents, []string{"*"}, func(e Event) {
		var student models.Student
		if err := json.Unmarshal(e.Row, &student); err != nil {
			h.logger.Warn("student event decode failed", zap.Error(err))
			return
		}
		h.Broadcast("student_update", student)
	})
	if err != nil {
		return err
	}
	h.cancels = append(h.cancels, cancelStudents)

	return nil
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.Info("client registered",
				zap.String("client_id", client.id),
				zap.String("session_id", client.sessionID),
				zap.Int("total_clients", len(h.clients)))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				client.teardown()
				h.logger.Info("client unregistered",
					zap.String("client_id", client.id),
					zap.String("session_id", client.sessionID),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop the broadcast, its engine
					// will resync on the next state push.
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Broadcast sends a typed envelope to every connected client.
func (h *Hub) Broadcast(messageType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: messageType, Payload: payload})
	if err != nil {
		h.logger.Warn("broadcast marshal failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	h.broadcast <- data
}

// RegisterClient wires up a per-connection engine and starts its pumps.
func (h *Hub) RegisterClient(conn *websocket.Conn, sessionID string) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:       h,
		id:        uuid.NewString(),
		socket:    conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		cancel:    cancel,
	}

	client.session = h.sessions.Session(sessionID)
	client.session.OnKicked(func() {
		client.sendMessage("kicked", map[string]interface{}{
			"message": "You have been removed by the teacher",
		})
	})
	if err := client.session.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	client.store = NewPollStore(h.db, h.feed, h.logger)
	client.store.OnChange(func() { client.sendSync() })
	if err := client.store.Start(ctx); err != nil {
		client.session.Close()
		cancel()
		return nil, err
	}

	client.timer = NewPollTimer(
		func() TimerState {
			poll := client.store.ActivePoll()
			if poll == nil {
				return TimerState{}
			}
			return TimerState{
				PollID:          poll.ID,
				StartedAt:       poll.StartedAt,
				DurationSeconds: poll.DurationSeconds,
				Active:          poll.IsActive,
			}
		},
		func(pollID string, remaining int) {
			client.sendMessage("timer_update", map[string]interface{}{
				"poll_id":           pollID,
				"remaining_seconds": remaining,
			})
		},
		func(pollID string) {
			client.sendMessage("poll_expired", map[string]interface{}{"poll_id": pollID})
		},
	)
	go client.timer.Run(ctx)

	h.register <- client

	go client.writePump()
	go client.readPump()

	// The freshly fetched state goes out immediately so late joiners are
	// not blank until the first event.
	client.sendSync()

	return client, nil
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// ClientFor returns the connected client bound to a session token, if any.
// The REST vote path uses it so HTTP submissions go through the same
// per-client store as the websocket ones.
func (h *Hub) ClientFor(sessionID string) *Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if client.sessionID == sessionID {
			return client
		}
	}
	return nil
}

// Store exposes the client's poll store to the HTTP layer.
func (c *Client) Store() *PollStore {
	return c.store
}

// teardown cancels the engine: timer stops, subscriptions are released.
// No subscription outlives its client.
func (c *Client) teardown() {
	c.cancel()
	c.store.Close()
	c.session.Close()
}

func (c *Client) sendSync() {
	snap := c.store.Snapshot()
	payload := map[string]interface{}{
		"poll":        snap.Poll,
		"options":     snap.Options,
		"votes":       snap.Votes,
		"total_votes": snap.TotalVotes,
		"vote_counts": c.store.VoteCounts(),
		"connected":   c.store.Connected(),
	}
	if snap.Poll != nil {
		payload["remaining_seconds"] = RemainingSeconds(
			snap.Poll.StartedAt, snap.Poll.DurationSeconds, snap.Poll.IsActive, time.Now())
	}
	c.sendMessage("poll_sync", payload)
}

func (c *Client) sendMessage(messageType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: messageType, Payload: payload})
	if err != nil {
		c.hub.logger.Warn("message marshal failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.socket.Close()
	}()

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("inbound message decode failed", zap.String("client_id", c.id), zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	defer c.socket.Close()

	for message := range c.send {
		w, err := c.socket.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)
		if err := w.Close(); err != nil {
			return
		}
	}
	c.socket.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) handleMessage(msg inboundMessage) {
	switch msg.Type {
	case "ping":
		c.sendMessage("pong", "pong")

	case "request_state":
		c.sendSync()

	case "submit_vote":
		var req struct {
			OptionID string `json:"option_id"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.OptionID == "" {
			c.sendMessage("vote_result", map[string]interface{}{"result": "failed", "error": "option_id is required"})
			return
		}
		c.submitVote(req.OptionID)

	default:
		c.hub.logger.Warn("unknown message type",
			zap.String("type", msg.Type),
			zap.String("client_id", c.id))
	}
}

func (c *Client) submitVote(optionID string) {
	if c.session.IsKicked() {
		c.sendMessage("vote_result", map[string]interface{}{"result": "failed", "error": ErrKicked.Error()})
		return
	}
	student := c.session.Student()
	if student == nil {
		c.sendMessage("vote_result", map[string]interface{}{"result": "failed", "error": "join the session before voting"})
		return
	}
	poll := c.store.ActivePoll()
	if poll == nil {
		c.sendMessage("vote_result", map[string]interface{}{"result": "failed", "error": ErrNoActivePoll.Error()})
		return
	}

	result, err := c.store.SubmitVote(context.Background(), poll.ID, optionID, student.ID)
	payload := map[string]interface{}{"result": result.String()}
	if err != nil {
		payload["error"] = err.Error()
	}
	c.sendMessage("vote_result", payload)
}
