package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = consts.Timeout10Seconds

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize64KB
)

// Client represents a WebSocket client
type Client struct {
	ID    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan *WebMessage
	runs  *RunManager
	debug bool
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, runs *RunManager, debug bool) *Client {
	id, _ := generateClientID()
	return &Client{
		ID:    id,
		hub:   hub,
		conn:  conn,
		send:  make(chan *WebMessage, 256),
		runs:  runs,
		debug: debug,
	}
}

// ReadPump pumps messages from the WebSocket connection to the run manager
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error: %v", err)
			}
			break
		}

		var msg WebMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Error("Failed to unmarshal message: %v", err)
			c.sendResponse(&WebMessage{Type: MessageTypeError, Error: "malformed message"})
			continue
		}

		if c.debug {
			logger.Debug("WebSocket received: %s", string(message))
		}

		if err := c.handleMessage(&msg); err != nil {
			logger.Warn("Failed to handle %s message: %v", msg.Type, err)
			c.sendResponse(&WebMessage{Type: MessageTypeError, RunID: msg.RunID, Error: err.Error()})
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				logger.Error("Failed to marshal message: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Failed to write message: %v", err)
				return
			}

			if c.debug {
				logger.Debug("WebSocket sent: %s", string(data))
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(msg *WebMessage) error {
	switch msg.Type {
	case MessageTypeStartRun:
		info, err := c.runs.Start(StartRequest{Prompt: msg.Prompt, Profile: msg.Profile})
		if err != nil {
			return err
		}
		c.sendResponse(&WebMessage{Type: MessageTypeAck, RunID: info.ID})

	case MessageTypeCancelRun:
		if err := c.runs.Cancel(msg.RunID); err != nil {
			return err
		}
		c.sendResponse(&WebMessage{Type: MessageTypeAck, RunID: msg.RunID})

	case MessageTypeApprovalResponse:
		if msg.Approved == nil {
			return fmt.Errorf("approval response for %s is missing approved", msg.ApprovalID)
		}
		if err := c.runs.Pending().Resolve(msg.ApprovalID, *msg.Approved, msg.Reason); err != nil {
			return err
		}
		c.sendResponse(&WebMessage{Type: MessageTypeAck, RunID: msg.RunID, ApprovalID: msg.ApprovalID})

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// sendResponse sends a response message to the client
func (c *Client) sendResponse(msg *WebMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	// the hub closes send when it drops this client
	defer func() { _ = recover() }()
	select {
	case c.send <- msg:
	default:
		logger.Warn("Client send channel full, dropping message")
	}
}

// generateClientID generates a random client ID
func generateClientID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
