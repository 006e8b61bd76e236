// ABOUTME: Telegram driver: long-polls getUpdates and accepts webhook injection
// ABOUTME: Replies go through the sendMessage bot API method

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultTelegramAPIBase    = "https://api.telegram.org"
	defaultTelegramPollPeriod = 30 // getUpdates timeout seconds
)

type telegramCredentials struct {
	BotToken    string `json:"bot_token"`
	APIBase     string `json:"api_base"`     // override for tests
	WebhookMode bool   `json:"webhook_mode"` // skip long-polling, rely on InjectUpdate
}

// TelegramDriver pulls updates via long-polling, or in webhook mode accepts
// updates injected from an HTTP endpoint.
type TelegramDriver struct {
	cfg   Config
	creds telegramCredentials
	http  *http.Client

	mu     sync.Mutex
	offset int64
	closed bool
	cancel context.CancelFunc
}

// NewTelegramDriver constructs a Telegram bot driver.
func NewTelegramDriver(cfg Config) (Driver, error) {
	var creds telegramCredentials
	if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("parsing telegram credentials: %w", err)
	}
	if creds.BotToken == "" {
		return nil, errors.New("telegram credentials missing bot_token")
	}
	if creds.APIBase == "" {
		creds.APIBase = defaultTelegramAPIBase
	}
	return &TelegramDriver{
		cfg:   cfg,
		creds: creds,
		// polling requests block server-side up to the poll period
		http: &http.Client{Timeout: (defaultTelegramPollPeriod + 10) * time.Second},
	}, nil
}

func (d *TelegramDriver) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", d.creds.APIBase, d.creds.BotToken, method)
}

// Connect verifies the token with getMe, then starts the poll loop unless the
// integration runs in webhook mode.
func (d *TelegramDriver) Connect(ctx context.Context) error {
	if err := d.getMe(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.closed = false
	d.cancel = cancel
	d.mu.Unlock()

	d.cfg.Callbacks.connected()
	if !d.creds.WebhookMode {
		go d.pollLoop(loopCtx)
	}
	return nil
}

func (d *TelegramDriver) getMe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.methodURL("getMe"), nil)
	if err != nil {
		return fmt.Errorf("building getMe request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling getMe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding getMe response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("getMe refused: %s", body.Description)
	}
	return nil
}

func (d *TelegramDriver) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.cfg.Callbacks.disconnected("closed")
			return
		default:
		}

		updates, err := d.fetchUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.cfg.Callbacks.disconnected("closed")
				return
			}
			d.cfg.Callbacks.errored(fmt.Errorf("polling updates: %w", err))
			// brief pause so a broken endpoint doesn't spin
			select {
			case <-ctx.Done():
				d.cfg.Callbacks.disconnected("closed")
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		// an empty round still proves the API is reachable
		d.cfg.Callbacks.liveness()
		for _, raw := range updates {
			d.handleUpdate(raw)
		}
	}
}

func (d *TelegramDriver) fetchUpdates(ctx context.Context) ([]json.RawMessage, error) {
	d.mu.Lock()
	offset := d.offset
	d.mu.Unlock()

	url := d.methodURL("getUpdates") +
		"?timeout=" + strconv.Itoa(defaultTelegramPollPeriod) +
		"&offset=" + strconv.FormatInt(offset, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building getUpdates request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		OK          bool              `json:"ok"`
		Result      []json.RawMessage `json:"result"`
		Description string            `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding getUpdates response: %w", err)
	}
	if !body.OK {
		return nil, fmt.Errorf("getUpdates refused: %s", body.Description)
	}
	return body.Result, nil
}

// handleUpdate advances the poll offset and emits the update as an Event.
func (d *TelegramDriver) handleUpdate(raw json.RawMessage) {
	var upd struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
			From *struct {
				IsBot bool `json:"is_bot"`
			} `json:"from"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &upd); err != nil {
		d.cfg.Callbacks.errored(fmt.Errorf("parsing update: %w", err))
		return
	}

	d.mu.Lock()
	if upd.UpdateID >= d.offset {
		d.offset = upd.UpdateID + 1
	}
	d.mu.Unlock()

	if upd.Message == nil {
		return
	}
	if upd.Message.From != nil && upd.Message.From.IsBot {
		return
	}

	d.cfg.Callbacks.event(&Event{
		IntegrationID: d.cfg.IntegrationID,
		AgentID:       d.cfg.AgentID,
		Platform:      PlatformTelegram,
		Type:          "message",
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
		RespondTo:     strconv.FormatInt(upd.Message.Chat.ID, 10),
		ReplyToken:    strconv.FormatInt(upd.Message.MessageID, 10),
	})
}

// InjectUpdate feeds a webhook-delivered update into the driver as if the
// poll loop had fetched it.
func (d *TelegramDriver) InjectUpdate(payload json.RawMessage) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.New("driver is disconnected")
	}
	d.cfg.Callbacks.liveness()
	d.handleUpdate(payload)
	return nil
}

// SendReply answers in the originating chat, quoting the original message.
func (d *TelegramDriver) SendReply(ctx context.Context, evt *Event, text string) error {
	if evt.RespondTo == "" {
		return errors.New("telegram event has no respond-to chat")
	}

	body := map[string]any{
		"chat_id": evt.RespondTo,
		"text":    text,
	}
	if evt.ReplyToken != "" {
		if id, err := strconv.ParseInt(evt.ReplyToken, 10, 64); err == nil {
			body["reply_to_message_id"] = id
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling sendMessage body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.methodURL("sendMessage"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling sendMessage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding sendMessage response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("sendMessage refused: %s", result.Description)
	}
	return nil
}

// Disconnect stops the poll loop. Idempotent.
func (d *TelegramDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}
