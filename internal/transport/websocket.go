// ABOUTME: Generic websocket driver: JSON event frames over a caller-provided URL
// ABOUTME: Covers custom platforms that speak the plain frame protocol

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const websocketPingInterval = 30 * time.Second

type websocketCredentials struct {
	URL       string            `json:"url"`
	AuthToken string            `json:"auth_token"`
	Headers   map[string]string `json:"headers"`
}

// wsFrame is the wire shape both directions speak on a generic socket.
type wsFrame struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RespondTo  string          `json:"respond_to,omitempty"`
	ReplyToken string          `json:"reply_token,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// WebSocketDriver maintains a generic JSON-frame websocket connection.
type WebSocketDriver struct {
	cfg   Config
	creds websocketCredentials

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	stop   chan struct{}

	// serializes reply frames from concurrent deliveries
	wmu sync.Mutex
}

// NewWebSocketDriver constructs a generic websocket driver.
func NewWebSocketDriver(cfg Config) (Driver, error) {
	var creds websocketCredentials
	if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("parsing websocket credentials: %w", err)
	}
	if creds.URL == "" {
		return nil, errors.New("websocket credentials missing url")
	}
	return &WebSocketDriver{cfg: cfg, creds: creds}, nil
}

// Connect dials the configured URL and starts read and ping loops.
func (d *WebSocketDriver) Connect(ctx context.Context) error {
	header := make(map[string][]string)
	if d.creds.AuthToken != "" {
		header["Authorization"] = []string{"Bearer " + d.creds.AuthToken}
	}
	for k, v := range d.creds.Headers {
		header[k] = []string{v}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.creds.URL, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", d.creds.URL, err)
	}

	conn.SetPongHandler(func(string) error {
		d.cfg.Callbacks.liveness()
		return nil
	})

	d.mu.Lock()
	d.conn = conn
	d.closed = false
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.cfg.Callbacks.connected()
	go d.readLoop(conn)
	go d.pingLoop(conn, stop)
	return nil
}

func (d *WebSocketDriver) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			if d.stop != nil {
				select {
				case <-d.stop:
				default:
					close(d.stop)
				}
			}
			d.mu.Unlock()
			if closed {
				d.cfg.Callbacks.disconnected("closed")
			} else {
				d.cfg.Callbacks.disconnected(err.Error())
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			d.cfg.Callbacks.errored(fmt.Errorf("parsing frame: %w", err))
			continue
		}
		if frame.Type == "" {
			d.cfg.Callbacks.errored(errors.New("frame missing type"))
			continue
		}

		d.cfg.Callbacks.event(&Event{
			IntegrationID: d.cfg.IntegrationID,
			AgentID:       d.cfg.AgentID,
			Platform:      PlatformWebSocket,
			Type:          frame.Type,
			Timestamp:     time.Now().UTC(),
			Payload:       frame.Payload,
			RespondTo:     frame.RespondTo,
			ReplyToken:    frame.ReplyToken,
		})
	}
}

func (d *WebSocketDriver) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(websocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				d.cfg.Callbacks.errored(fmt.Errorf("sending ping: %w", err))
				return
			}
		}
	}
}

// SendReply writes a reply frame echoing the event's routing fields.
func (d *WebSocketDriver) SendReply(ctx context.Context, evt *Event, text string) error {
	d.mu.Lock()
	conn := d.conn
	closed := d.closed
	d.mu.Unlock()
	if closed || conn == nil {
		return errors.New("driver is disconnected")
	}

	frame := wsFrame{
		Type:       "reply",
		Text:       text,
		RespondTo:  evt.RespondTo,
		ReplyToken: evt.ReplyToken,
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing reply frame: %w", err)
	}
	return nil
}

// Disconnect closes the socket. Idempotent.
func (d *WebSocketDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.conn == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	if d.stop != nil {
		select {
		case <-d.stop:
		default:
			close(d.stop)
		}
	}
	return d.conn.Close()
}
