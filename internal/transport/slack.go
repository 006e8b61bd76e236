// ABOUTME: Slack Socket Mode driver: websocket envelope handling with ack
// ABOUTME: Opens the socket via apps.connections.open and replies via chat.postMessage

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultSlackAPIBase = "https://slack.com/api"

// slackCredentials is the credential bundle a Slack integration carries.
type slackCredentials struct {
	AppToken string `json:"app_token"` // xapp-..., opens the socket
	BotToken string `json:"bot_token"` // xoxb-..., posts replies
	APIBase  string `json:"api_base"`  // override for tests/self-hosted proxies
}

// SlackDriver maintains one Slack Socket Mode connection.
type SlackDriver struct {
	cfg   Config
	creds slackCredentials
	http  *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewSlackDriver constructs a Slack Socket Mode driver.
func NewSlackDriver(cfg Config) (Driver, error) {
	var creds slackCredentials
	if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("parsing slack credentials: %w", err)
	}
	if creds.AppToken == "" {
		return nil, errors.New("slack credentials missing app_token")
	}
	if creds.APIBase == "" {
		creds.APIBase = defaultSlackAPIBase
	}
	return &SlackDriver{
		cfg:   cfg,
		creds: creds,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Connect opens a Socket Mode connection and starts servicing it.
func (d *SlackDriver) Connect(ctx context.Context) error {
	wsURL, err := d.openSocketURL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing slack socket: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.closed = false
	d.mu.Unlock()

	go d.readLoop(conn)
	return nil
}

// openSocketURL calls apps.connections.open to obtain the websocket URL.
func (d *SlackDriver) openSocketURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.creds.APIBase+"/apps.connections.open", nil)
	if err != nil {
		return "", fmt.Errorf("building connections.open request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.creds.AppToken)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling connections.open: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding connections.open response: %w", err)
	}
	if !body.OK {
		return "", fmt.Errorf("connections.open refused: %s", body.Error)
	}
	return body.URL, nil
}

// slackEnvelope is the Socket Mode framing around every inbound message.
type slackEnvelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
}

func (d *SlackDriver) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				d.cfg.Callbacks.disconnected("closed")
			} else {
				d.cfg.Callbacks.disconnected(err.Error())
			}
			return
		}

		var env slackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.cfg.Callbacks.errored(fmt.Errorf("parsing slack envelope: %w", err))
			continue
		}

		switch env.Type {
		case "hello":
			d.cfg.Callbacks.connected()

		case "disconnect":
			// Slack is about to close the socket (refresh, restart)
			d.cfg.Callbacks.disconnected("slack disconnect: " + env.Reason)
			_ = conn.Close()
			return

		case "events_api":
			d.ack(conn, env.EnvelopeID)
			d.emitEvent(env.Payload)

		default:
			// slash_commands, interactive: ack so Slack doesn't resend
			if env.EnvelopeID != "" {
				d.ack(conn, env.EnvelopeID)
			}
		}
	}
}

// ack acknowledges a Socket Mode envelope so Slack stops redelivering it.
func (d *SlackDriver) ack(conn *websocket.Conn, envelopeID string) {
	msg := map[string]string{"envelope_id": envelopeID}
	if err := conn.WriteJSON(msg); err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("acking envelope %s: %w", envelopeID, err))
	}
}

// emitEvent normalizes an events_api payload into an Event.
func (d *SlackDriver) emitEvent(payload json.RawMessage) {
	var wrapper struct {
		Event struct {
			Type     string `json:"type"`
			Channel  string `json:"channel"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("parsing slack event: %w", err))
		return
	}

	replyToken := wrapper.Event.ThreadTS
	if replyToken == "" {
		replyToken = wrapper.Event.TS
	}

	d.cfg.Callbacks.event(&Event{
		IntegrationID: d.cfg.IntegrationID,
		AgentID:       d.cfg.AgentID,
		Platform:      PlatformSlack,
		Type:          wrapper.Event.Type,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		RespondTo:     wrapper.Event.Channel,
		ReplyToken:    replyToken,
	})
}

// SendReply posts the reply text to the event's channel, threading when the
// event carried a thread token.
func (d *SlackDriver) SendReply(ctx context.Context, evt *Event, text string) error {
	if evt.RespondTo == "" {
		return errors.New("slack event has no respond-to channel")
	}

	body := map[string]string{
		"channel": evt.RespondTo,
		"text":    text,
	}
	if evt.ReplyToken != "" {
		body["thread_ts"] = evt.ReplyToken
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling chat.postMessage body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.creds.APIBase+"/chat.postMessage", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building chat.postMessage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.creds.BotToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling chat.postMessage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding chat.postMessage response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("chat.postMessage refused: %s", result.Error)
	}
	return nil
}

// Disconnect closes the socket. Idempotent.
func (d *SlackDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.conn == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	return d.conn.Close()
}
