package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
)

//go:generate mockgen -source=ws.go -destination=mock_wsconn_test.go -package=transport WSConn

// WSConn is the subset of *websocket.Conn the gateway connection uses.
// Extracted for testability.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

const (
	// readLimit bounds a single gateway frame.
	readLimit = 4 * 1024 * 1024

	pairCodeTimeout = 60 * time.Second
)

// GatewayDialer dials the protocol gateway over a WebSocket. The gateway
// owns the cryptographic protocol; this adapter only speaks its JSON
// envelope.
type GatewayDialer struct {
	URL    string
	Logger *slog.Logger
	Retry  RetryProvider
}

// Dial opens a connection, sends the init frame and starts the reader.
func (d *GatewayDialer) Dial(ctx context.Context, sessionID string, creds *credstore.Credentials) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"X-Session-ID": []string{sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	ws.SetReadLimit(readLimit)

	conn := newGatewayConn(ws, sessionID, creds, d.Logger, d.Retry)

	if err := conn.sendInit(ctx); err != nil {
		ws.Close(websocket.StatusInternalError, "init failed")
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go conn.readLoop(readCtx)

	return conn, nil
}

// gatewayConn is one live gateway connection. The reader goroutine owns
// inbound frames and is the only writer to the events channel, so events
// are delivered serially per connection.
type gatewayConn struct {
	ws        WSConn
	sessionID string
	creds     credstore.Credentials
	logger    *slog.Logger
	retry     RetryProvider

	events chan Event
	ready  atomic.Bool
	closed atomic.Bool
	cancel context.CancelFunc

	// writeMu serializes frame writes; reads stay on the reader goroutine.
	writeMu sync.Mutex

	pairMu sync.Mutex
	pairCh chan string
}

func newGatewayConn(ws WSConn, sessionID string, creds *credstore.Credentials, logger *slog.Logger, retry RetryProvider) *gatewayConn {
	c := &gatewayConn{
		ws:        ws,
		sessionID: sessionID,
		logger:    logger,
		retry:     retry,
		events:    make(chan Event, 32),
	}

	if creds != nil {
		c.creds = *creds
	}

	return c
}

func (c *gatewayConn) Events() <-chan Event { return c.events }

func (c *gatewayConn) Ready() bool { return c.ready.Load() }

func (c *gatewayConn) Close(reason string) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.ready.Store(false)

	if c.cancel != nil {
		c.cancel()
	}

	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// Send writes an outbound payload frame. A zero-length payload becomes
// the reset probe the gateway forwards to trigger fresh key exchange.
func (c *gatewayConn) Send(ctx context.Context, peer string, payload []byte) error {
	return c.writeFrame(ctx, map[string]any{
		"op":      "send",
		"peer":    peer,
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
}

// RequestPairingCode asks the gateway for a phone-pairing code and waits
// for the reply frame.
func (c *gatewayConn) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	c.pairMu.Lock()
	if c.pairCh != nil {
		c.pairMu.Unlock()
		return "", apperrors.ErrPairingInProgress
	}
	ch := make(chan string, 1)
	c.pairCh = ch
	c.pairMu.Unlock()

	defer func() {
		c.pairMu.Lock()
		c.pairCh = nil
		c.pairMu.Unlock()
	}()

	err := c.writeFrame(ctx, map[string]any{
		"op":    "pair",
		"phone": phoneNumber,
	})
	if err != nil {
		return "", err
	}

	select {
	case code := <-ch:
		return code, nil
	case <-time.After(pairCodeTimeout):
		return "", &apperrors.TimeoutError{Op: "pairing code request", Budget: pairCodeTimeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *gatewayConn) sendInit(ctx context.Context) error {
	frame := map[string]any{
		"op":         "init",
		"session_id": c.sessionID,
		"registered": c.creds.Registered,
	}

	if c.creds.AccountID != "" {
		frame["account_id"] = c.creds.AccountID
	}

	if len(c.creds.NoisePub) > 0 {
		frame["noise_pub"] = base64.StdEncoding.EncodeToString(c.creds.NoisePub)
	}

	if err := c.writeFrame(ctx, frame); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	return nil
}

func (c *gatewayConn) writeFrame(ctx context.Context, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// readLoop parses inbound gateway frames and turns them into Events.
// It exits on read error, emitting a final EventClosed.
func (c *gatewayConn) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.ready.Store(false)

			if !c.closed.Load() {
				c.emit(ctx, Event{
					Kind:      EventClosed,
					CauseCode: closeCause(err),
					Detail:    err.Error(),
				})
			}

			return
		}

		c.handleFrame(ctx, data)
	}
}

func (c *gatewayConn) handleFrame(ctx context.Context, data []byte) {
	op := gjson.GetBytes(data, "op").String()

	switch op {
	case "connected":
		c.ready.Store(true)
		c.emit(ctx, Event{Kind: EventConnected})

	case "closed":
		c.ready.Store(false)
		c.emit(ctx, Event{
			Kind:      EventClosed,
			CauseCode: int(gjson.GetBytes(data, "code").Int()),
			Detail:    gjson.GetBytes(data, "detail").String(),
		})

	case "creds":
		c.emit(ctx, Event{
			Kind:        EventCredentialsUpdated,
			Credentials: c.mergedCreds(data),
		})

	case "decrypt_failed":
		c.emit(ctx, Event{
			Kind: EventDecryptFailed,
			Err:  errors.New(gjson.GetBytes(data, "reason").String()),
			Message: MessageContext{
				MessageID: gjson.GetBytes(data, "message_id").String(),
				ChatID:    gjson.GetBytes(data, "chat_id").String(),
				SenderID:  gjson.GetBytes(data, "sender_id").String(),
			},
		})

	case "pair_code":
		c.deliverPairCode(gjson.GetBytes(data, "code").String())

	case "resend":
		c.answerResend(ctx, data)

	default:
		c.logger.Debug("ignoring unknown gateway frame",
			slog.String("session_id", c.sessionID),
			slog.String("op", op),
		)
	}
}

// mergedCreds folds the gateway's registration update onto the dialed
// credential snapshot and returns a fresh copy.
func (c *gatewayConn) mergedCreds(data []byte) *credstore.Credentials {
	out := c.creds

	if v := gjson.GetBytes(data, "account_id"); v.Exists() {
		out.AccountID = v.String()
	}

	if v := gjson.GetBytes(data, "phone_number"); v.Exists() {
		out.PhoneNumber = v.String()
	}

	if v := gjson.GetBytes(data, "registration_id"); v.Exists() {
		out.RegistrationID = uint32(v.Uint())
	}

	if v := gjson.GetBytes(data, "server_token"); v.Exists() {
		out.ServerToken = v.String()
	}

	if v := gjson.GetBytes(data, "registered"); v.Exists() {
		out.Registered = v.Bool()
	}

	c.creds = out

	return &out
}

func (c *gatewayConn) deliverPairCode(code string) {
	c.pairMu.Lock()
	defer c.pairMu.Unlock()

	if c.pairCh != nil {
		select {
		case c.pairCh <- code:
		default:
		}
	}
}

// answerResend serves the protocol's resend query from the retry provider,
// falling back to the explicit empty-message sentinel.
func (c *gatewayConn) answerResend(ctx context.Context, data []byte) {
	chatID := gjson.GetBytes(data, "chat_id").String()
	messageID := gjson.GetBytes(data, "message_id").String()

	var payload []byte

	if c.retry != nil {
		if p, ok := c.retry(ctx, chatID, messageID); ok {
			payload = p
		}
	}

	err := c.writeFrame(ctx, map[string]any{
		"op":         "resend_result",
		"chat_id":    chatID,
		"message_id": messageID,
		"payload":    base64.StdEncoding.EncodeToString(payload),
		"found":      payload != nil,
	})
	if err != nil {
		c.logger.Warn("answering resend query",
			slog.String("session_id", c.sessionID),
			slog.Any("error", err),
		)
	}
}

func (c *gatewayConn) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// closeCause maps a read error to a numeric cause code: the WebSocket
// close status when one is present, otherwise 0 (unknown, conservatively
// retried by the policy table).
func closeCause(err error) int {
	if status := websocket.CloseStatus(err); status != -1 {
		return int(status)
	}

	return 0
}
