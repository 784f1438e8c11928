package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"routa/internal/bus"
	"routa/internal/orchestrator"
)

// Stream labels on outbound frames.
const (
	streamCoordination = "coordination"
	streamPhase        = "phase"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

// streamFrame wraps one event for the wire, labelled with its source stream.
type streamFrame struct {
	Stream    string    `json:"stream"`
	Event     any       `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient is one connected event stream consumer. An empty workspace
// subscribes to every workspace.
type wsClient struct {
	workspace string
	send      chan streamFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(workspace string) *wsClient {
	return &wsClient{
		workspace: workspace,
		send:      make(chan streamFrame, wsSendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the writer without blocking the producer. A slow
// consumer loses its oldest frame first.
func (c *wsClient) enqueue(frame streamFrame) {
	select {
	case c.send <- frame:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writeLoop owns all writes on the connection. It closes the connection on
// shutdown or write failure, which unblocks the handler's read loop.
func (c *wsClient) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handleEvents upgrades the request and streams coordination events for the
// workspace named by the workspace query parameter. Phase events from live
// runs are interleaved on the same connection.
func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	workspace := c.Query("workspace")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade: %v", err)
		return
	}

	client := newWSClient(workspace)
	s.addClient(client)
	sub := s.bus.Subscribe(workspace)

	go s.pumpBus(client, sub)
	go client.writeLoop(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	sub.Close()
	s.removeClient(client)
	client.close()
	conn.Close()
}

func (s *Server) pumpBus(client *wsClient, sub *bus.Subscription) {
	for event := range sub.Events() {
		client.enqueue(streamFrame{Stream: streamCoordination, Event: event, Timestamp: time.Now()})
	}
}

// broadcastPhase forwards an orchestrator phase event to every client
// watching its workspace. Registered as a phase handler, so it must not
// block.
func (s *Server) broadcastPhase(event orchestrator.PhaseEvent) {
	frame := streamFrame{Stream: streamPhase, Event: event, Timestamp: time.Now()}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		if client.workspace != "" && client.workspace != event.WorkspaceID {
			continue
		}
		client.enqueue(frame)
	}
}

func (s *Server) addClient(client *wsClient) {
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, client)
	s.clientsMu.Unlock()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.clientsMu.Unlock()
}
