// ABOUTME: Discord gateway driver: identify handshake, heartbeat loop, dispatch events
// ABOUTME: Replies go through the REST channel-messages endpoint

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

const (
	defaultDiscordGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultDiscordAPIBase    = "https://discord.com/api/v10"

	// gateway opcodes
	discordOpDispatch     = 0
	discordOpHeartbeat    = 1
	discordOpIdentify     = 2
	discordOpHello        = 10
	discordOpHeartbeatAck = 11

	// GUILDS | GUILD_MESSAGES | DIRECT_MESSAGES | MESSAGE_CONTENT
	discordIntents = 1 | 1<<9 | 1<<12 | 1<<15
)

type discordCredentials struct {
	BotToken   string `json:"bot_token"`
	GatewayURL string `json:"gateway_url"` // override for tests
	APIBase    string `json:"api_base"`
}

// DiscordDriver maintains one Discord gateway connection.
type DiscordDriver struct {
	cfg   Config
	creds discordCredentials
	http  *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    int64
	closed bool
	stop   chan struct{}

	// serializes gateway writes between the read loop and heartbeat loop
	wmu sync.Mutex
}

// NewDiscordDriver constructs a Discord gateway driver.
func NewDiscordDriver(cfg Config) (Driver, error) {
	var creds discordCredentials
	if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("parsing discord credentials: %w", err)
	}
	if creds.BotToken == "" {
		return nil, errors.New("discord credentials missing bot_token")
	}
	if creds.GatewayURL == "" {
		creds.GatewayURL = defaultDiscordGatewayURL
	}
	if creds.APIBase == "" {
		creds.APIBase = defaultDiscordAPIBase
	}
	return &DiscordDriver{
		cfg:   cfg,
		creds: creds,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type discordFrame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s"`
	Type string          `json:"t"`
}

// Connect dials the gateway and starts the read loop. The identify and
// heartbeat handshake proceeds asynchronously once hello arrives.
func (d *DiscordDriver) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.creds.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing discord gateway: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.closed = false
	d.seq = 0
	d.stop = make(chan struct{})
	d.mu.Unlock()

	go d.readLoop(conn)
	return nil
}

func (d *DiscordDriver) readLoop(conn *websocket.Conn) {
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

		var frame discordFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			d.cfg.Callbacks.errored(fmt.Errorf("parsing gateway frame: %w", err))
			continue
		}
		if frame.Seq != nil {
			d.mu.Lock()
			d.seq = *frame.Seq
			d.mu.Unlock()
		}

		switch frame.Op {
		case discordOpHello:
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			if err := json.Unmarshal(frame.Data, &hello); err != nil {
				d.cfg.Callbacks.errored(fmt.Errorf("parsing hello: %w", err))
				continue
			}
			d.identify(conn)
			go d.heartbeatLoop(conn, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
			d.cfg.Callbacks.connected()

		case discordOpHeartbeatAck:
			d.cfg.Callbacks.liveness()

		case discordOpHeartbeat:
			// gateway asked for an immediate beat
			d.sendHeartbeat(conn)

		case discordOpDispatch:
			d.emitDispatch(frame)
		}
	}
}

func (d *DiscordDriver) identify(conn *websocket.Conn) {
	payload := map[string]any{
		"op": discordOpIdentify,
		"d": map[string]any{
			"token":   d.creds.BotToken,
			"intents": discordIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "agentiom",
				"device":  "agentiom",
			},
		},
	}
	d.wmu.Lock()
	err := conn.WriteJSON(payload)
	d.wmu.Unlock()
	if err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("sending identify: %w", err))
	}
}

func (d *DiscordDriver) heartbeatLoop(conn *websocket.Conn, interval time.Duration) {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.sendHeartbeat(conn)
		}
	}
}

func (d *DiscordDriver) sendHeartbeat(conn *websocket.Conn) {
	d.mu.Lock()
	seq := d.seq
	d.mu.Unlock()

	payload := map[string]any{"op": discordOpHeartbeat, "d": seq}
	d.wmu.Lock()
	err := conn.WriteJSON(payload)
	d.wmu.Unlock()
	if err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("sending heartbeat: %w", err))
	}
}

// emitDispatch turns an op 0 frame into an Event. Replies route back to the
// message's channel, referencing the originating message id.
func (d *DiscordDriver) emitDispatch(frame discordFrame) {
	if frame.Type == "READY" {
		return
	}

	var msg struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
		Author    struct {
			Bot bool `json:"bot"`
		} `json:"author"`
	}
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("parsing dispatch %s: %w", frame.Type, err))
		return
	}
	if msg.Author.Bot {
		return
	}

	d.cfg.Callbacks.event(&Event{
		IntegrationID: d.cfg.IntegrationID,
		AgentID:       d.cfg.AgentID,
		Platform:      PlatformDiscord,
		Type:          frame.Type,
		Timestamp:     time.Now().UTC(),
		Payload:       frame.Data,
		RespondTo:     msg.ChannelID,
		ReplyToken:    msg.ID,
	})
}

// SendReply posts a message to the event's channel, referencing the original
// message when a reply token is present.
func (d *DiscordDriver) SendReply(ctx context.Context, evt *Event, text string) error {
	if evt.RespondTo == "" {
		return errors.New("discord event has no respond-to channel")
	}

	body := map[string]any{"content": text}
	if evt.ReplyToken != "" {
		body["message_reference"] = map[string]string{"message_id": evt.ReplyToken}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling message body: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", d.creds.APIBase, evt.RespondTo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building message request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.creds.BotToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord message rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Disconnect closes the gateway connection and stops the heartbeat loop.
func (d *DiscordDriver) Disconnect() error {
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
