// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package selfservice

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// outputMessage is one queued frame for writePump: either raw console bytes
// (binary) or a JSON-encoded control notification (text).
type outputMessage struct {
	binary bool
	data   []byte
}

// ControlMessage is the client-to-host JSON control vocabulary. Unlike the
// PTY hub this is adapted from, there is no resize or control-handoff
// concept here — only send_break and reopen, which console.Console itself
// exposes, plus a "ping" type that is accepted and ignored.
type ControlMessage struct {
	Type string `json:"type"`
}

// Client bridges one WebSocket connection to one push-mode console session.
// It implements session.DataSink.
type Client struct {
	conn   *websocket.Conn
	userID string
	output chan outputMessage
	sess   *session.Session
}

func newClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		output: make(chan outputMessage, 256),
	}
}

// bind attaches the session this client relays for, once construction has
// succeeded (handleAttach needs the Client to exist before session.New can
// take it as a DataSink, so binding happens after the fact).
func (c *Client) bind(sess *session.Session) {
	c.sess = sess
}

// OnBytes satisfies session.DataSink: console output becomes a binary frame.
func (c *Client) OnBytes(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case c.output <- outputMessage{binary: true, data: cp}:
	default:
		log.Printf("[selfservice] client %s: output queue full, dropping %d bytes", c.userID, len(data))
	}
}

// OnControl satisfies session.DataSink: a notification becomes a JSON text
// frame (spec §4.5's dynamic control records).
func (c *Client) OnControl(n console.Notification) {
	payload, err := json.Marshal(notificationWire{
		ConnectState: stringOrNil(n.ConnectState),
		Error:        errorOrNil(n.Error),
		ClientCount:  n.ClientCount,
		Deleting:     n.Deleting,
	})
	if err != nil {
		log.Printf("[selfservice] client %s: encoding control frame: %v", c.userID, err)
		return
	}
	select {
	case c.output <- outputMessage{binary: false, data: payload}:
	default:
		log.Printf("[selfservice] client %s: output queue full, dropping control frame", c.userID)
	}
}

type notificationWire struct {
	ConnectState *string `json:"connectstate,omitempty"`
	Error        *string `json:"error,omitempty"`
	ClientCount  *int    `json:"clientcount,omitempty"`
	Deleting     bool    `json:"deleting,omitempty"`
}

func stringOrNil(cs *console.ConnectState) *string {
	if cs == nil {
		return nil
	}
	s := cs.String()
	return &s
}

func errorOrNil(es *console.ErrorState) *string {
	if es == nil {
		return nil
	}
	s := es.String()
	return &s
}

// readPump reads inbound WebSocket frames: binary frames are written
// straight through to the console, text frames are decoded as
// ControlMessage and dispatched to send_break/reopen.
func (c *Client) readPump() {
	defer func() {
		c.sess.Destroy()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[selfservice] client %s: websocket error: %v", c.userID, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if _, err := c.sess.Write(data); err != nil {
				log.Printf("[selfservice] client %s: write failed: %v", c.userID, err)
			}
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[selfservice] client %s: invalid control message: %v", c.userID, err)
				continue
			}
			c.handleControl(msg)
		}
	}
}

func (c *Client) handleControl(msg ControlMessage) {
	switch msg.Type {
	case "send_break":
		if err := c.sess.SendBreak(); err != nil {
			log.Printf("[selfservice] client %s: send_break failed: %v", c.userID, err)
		}
	case "reopen":
		c.sess.Reopen()
	case "ping":
	default:
		log.Printf("[selfservice] client %s: unknown control message type %q", c.userID, msg.Type)
	}
}

// writePump drains the output channel to the WebSocket, sending periodic
// pings to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if msg.binary {
				if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.data); err != nil {
					return
				}
			} else {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
