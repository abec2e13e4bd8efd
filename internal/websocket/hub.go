package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Application-level heartbeat, both directions.
	heartbeatPeriod = 20 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

// Control codes carried as a 4-byte LE prefix on binary frames. Frames that
// do not start with a known code are opus packets.
const (
	controlHeartbeat  uint32 = 100
	controlPhotoChunk uint32 = 101
	controlTranscript uint32 = 102
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WriteData is one outbound websocket frame.
type WriteData struct {
	Type    int
	Payload []byte
}

// Hub tracks connected clients per uid plus the processor peer pool. It is
// the EventPublisher and ProcessorPool the usecases depend on.
type Hub struct {
	clients    map[string]map[*Client]bool
	processors map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	conversations *usecase.ConversationService
	stt           repositories.SpeechToText
	detector      repositories.VoiceActivityDetector

	logger *zap.Logger
}

// NewHub creates the websocket hub.
func NewHub(
	conversations *usecase.ConversationService,
	stt repositories.SpeechToText,
	detector repositories.VoiceActivityDetector,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[string]map[*Client]bool),
		processors:    make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		conversations: conversations,
		stt:           stt,
		detector:      detector,
		logger:        logger,
	}
}

// SetConversationService wires the conversation pipeline after construction.
// The hub and the pipeline reference each other, so one side binds late; call
// this before Run.
func (h *Hub) SetConversationService(conversations *usecase.ConversationService) {
	h.conversations = conversations
}

// Run owns the registration maps. Call once from main.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if client.processor {
				h.processors[client] = true
			} else {
				if h.clients[client.uid] == nil {
					h.clients[client.uid] = make(map[*Client]bool)
				}
				h.clients[client.uid][client] = true
			}
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("uid", client.uid),
				zap.Bool("processor", client.processor))

		case client := <-h.unregister:
			h.mu.Lock()
			if client.processor {
				if h.processors[client] {
					delete(h.processors, client)
					close(client.send)
				}
			} else if peers, ok := h.clients[client.uid]; ok && peers[client] {
				delete(peers, client)
				if len(peers) == 0 {
					delete(h.clients, client.uid)
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("uid", client.uid))
		}
	}
}

// Publish sends a JSON event to every connection of a uid. Slow clients are
// skipped, never blocked on.
func (h *Hub) Publish(uid, event string, payload interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"type":    event,
		"payload": payload,
	})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[uid] {
		select {
		case client.send <- WriteData{Type: websocket.TextMessage, Payload: body}:
		default:
			h.logger.Warn("Dropping event for slow client",
				zap.String("uid", uid),
				zap.String("event", event))
		}
	}
}

// Delegate hands a finalization job to one processor peer. Returns an error
// when no peer is connected or none can accept.
func (h *Hub) Delegate(ctx context.Context, uid, conversationID string) error {
	body, err := json.Marshal(map[string]string{
		"type":            "process_conversation",
		"uid":             uid,
		"conversation_id": conversationID,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for peer := range h.processors {
		select {
		case peer.send <- WriteData{Type: websocket.TextMessage, Payload: body}:
			return nil
		default:
		}
	}
	return fmt.Errorf("no processor peer available")
}

// broadcastTranscript forwards a control-102 transcript frame to processor
// peers.
func (h *Hub) broadcastTranscript(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for peer := range h.processors {
		select {
		case peer.send <- WriteData{Type: websocket.BinaryMessage, Payload: payload}:
		default:
		}
	}
}

// Client is one websocket connection, either a device/app session or a
// processor peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan WriteData

	uid       string
	processor bool

	ingest *ingestState

	logger *zap.Logger
}

// readPump pumps inbound frames into the ingest pipeline.
func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.processBinary(message)
		case websocket.TextMessage:
			c.processText(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump drains the send channel and emits pings plus the application
// heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer func() {
		ticker.Stop()
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			frame := make([]byte, 4)
			binary.LittleEndian.PutUint32(frame, controlHeartbeat)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processBinary routes one binary frame: 4-byte-prefixed control frames, or
// an opus packet for the audio pipeline.
func (c *Client) processBinary(data []byte) {
	if len(data) >= 4 {
		switch binary.LittleEndian.Uint32(data[:4]) {
		case controlHeartbeat:
			if len(data) == 4 {
				return
			}
		case controlPhotoChunk:
			c.handlePhotoChunk(data[4:])
			return
		case controlTranscript:
			c.hub.broadcastTranscript(data)
			return
		}
	}
	if c.ingest != nil {
		c.ingest.pushPacket(data)
	}
}

// processText handles JSON control messages from the client.
func (c *Client) processText(message []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Error("Failed to parse message", zap.Error(err))
		return
	}
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "finalize":
		if c.ingest != nil {
			c.ingest.finalize("client request")
		}
	default:
		c.logger.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Client) handlePhotoChunk(payload []byte) {
	if c.ingest == nil {
		return
	}
	if len(payload) == 0 {
		c.ingest.flushPhoto()
		return
	}
	c.ingest.appendPhoto(payload)
}

func (c *Client) teardown() {
	if c.ingest != nil {
		c.ingest.close()
	}
}
