package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alternate/docstream/docstore"
	"github.com/alternate/docstream/observability"
	"github.com/alternate/docstream/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin in local deployments.
		return true
	},
}

// clientSession is one connected client. It owns the WebSocket and
// serializes writes to it: gorilla allows at most one concurrent writer,
// and RESPONSE frames race the async MESSAGE frames from delivery pumps.
type clientSession struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// send encodes and writes one outbound frame. Safe for concurrent use.
func (s *clientSession) send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWS upgrades the connection and runs the session until the client
// disconnects.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: WebSocket upgrade failed: %v", err)
		return
	}

	sess := &clientSession{
		id:   docstore.NewDocumentID(),
		conn: conn,
	}

	g.registry.AddSession(sess.id)
	observability.ConnectedSessions.Inc()
	log.Printf("gateway: client %s connected", sess.id)

	defer func() {
		g.registry.RemoveSession(sess.id)
		g.limiter.Remove(sess.id)
		observability.ConnectedSessions.Dec()
		conn.Close()
		log.Printf("gateway: client %s disconnected", sess.id)
	}()

	if err := sess.send(protocol.ConnectedResponse()); err != nil {
		log.Printf("gateway: failed to send banner to client %s: %v", sess.id, err)
		return
	}

	// Ping/pong for dead client detection.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				sess.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				sess.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Read pump: every inbound frame is handled statelessly against the
	// broker and the registry.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: client %s read error: %v", sess.id, err)
			}
			return
		}
		g.handleFrame(sess, data)
	}
}
