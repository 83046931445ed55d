package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

const (
	writeWait         = 5 * time.Second
	DefaultPingPeriod = 54 * time.Second
	DefaultReadLimit  = 64 << 10
	minBackoff        = time.Second
	maxBackoff        = 30 * time.Second
	flushWait         = 2 * time.Second
)

type ClientOptions struct {
	URL        string
	Header     http.Header
	PingPeriod time.Duration
	ReadLimit  int64
	Dialer     *websocket.Dialer
}

// Client is a rendezvous channel over a WebSocket relay. Outgoing frames go
// through an unbounded ordered outbox that survives reconnects; a frame leaves
// the outbox only once written, so a reconnect can repeat the last frame and
// receivers rely on envelope sequence numbers to drop the copy.
type Client struct {
	opts ClientOptions
	log  zerolog.Logger

	mu     sync.Mutex
	users  map[domain.UserID]struct{}
	outbox [][]byte
	subs   map[int]func(core.Envelope)
	next   int
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the relay. The first connection must succeed; later drops
// are retried with a doubling backoff.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		opts:  opts,
		log:   log.With().Str("module", "signal.client").Str("url", opts.URL).Logger(),
		users: make(map[domain.UserID]struct{}),
		subs:  make(map[int]func(core.Envelope)),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	return conn, nil
}

func (c *Client) Join(user domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrClosed
	}
	if _, ok := c.users[user]; ok {
		return nil
	}
	c.users[user] = struct{}{}
	return c.enqueueLocked(frame{Type: frameJoin, User: user})
}

// Leave stops rejoining user after reconnects and unbinds it at the relay.
func (c *Client) Leave(user domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrClosed
	}
	if _, ok := c.users[user]; !ok {
		return nil
	}
	delete(c.users, user)
	return c.enqueueLocked(frame{Type: frameLeave, User: user})
}

func (c *Client) Send(env core.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrClosed
	}
	return c.enqueueLocked(frame{Type: frameRelay, Envelope: &env})
}

func (c *Client) enqueueLocked(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	c.outbox = append(c.outbox, b)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) Subscribe(fn func(core.Envelope)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// give queued hangups a chance to leave before the socket goes away
	deadline := time.Now().Add(flushWait)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		pending := len(c.outbox)
		c.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.cancel()
	<-c.done
	return nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	backoff := minBackoff
	for {
		if conn != nil {
			c.log.Info().Msg("connected to relay")
			backoff = minBackoff
			c.serve(conn)
		}
		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn().Dur("backoff", backoff).Msg("relay connection lost, reconnecting")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)

		var err error
		conn, err = c.dial(c.ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("reconnect failed")
			conn = nil
		}
	}
}

// serve pumps one connection until it breaks or the client closes.
func (c *Client) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		c.readPump(conn)
	}()

	if err := c.rejoin(conn); err != nil {
		c.log.Error().Err(err).Msg("rejoin")
		return
	}
	c.writePump(ctx, conn)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	_ = conn.Close()
	<-readDone
}

// rejoin announces every joined user on a fresh connection. Join frames still
// in the outbox are harmless repeats.
func (c *Client) rejoin(conn *websocket.Conn) error {
	c.mu.Lock()
	users := make([]domain.UserID, 0, len(c.users))
	for u := range c.users {
		users = append(users, u)
	}
	c.mu.Unlock()

	for _, u := range users {
		if err := c.write(conn, frame{Type: frameJoin, User: u}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		var head []byte
		if len(c.outbox) > 0 {
			head = c.outbox[0]
		}
		c.mu.Unlock()

		if head != nil {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, head); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
			c.mu.Lock()
			c.outbox[0] = nil
			c.outbox = c.outbox[1:]
			c.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	pongWait := c.opts.PingPeriod * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Error().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case frameRelay:
			if f.Envelope != nil {
				c.deliver(*f.Envelope)
			}
		case frameError:
			c.handleError(f)
		case framePong:
		default:
			c.log.Warn().Str("type", string(f.Type)).Msg("unknown frame")
		}
	}
}

// handleError turns an undeliverable offer into a hangup from the absent
// recipient, so the caller fails fast instead of waiting for the ring timeout.
func (c *Client) handleError(f frame) {
	c.log.Warn().Str("code", f.Code).Str("error", f.Error).Msg("relay error")
	if f.Code != codeUnavailable || f.Envelope == nil || f.Envelope.Type != core.MsgOffer {
		return
	}
	payload, _ := json.Marshal(core.HangupPayload{Reason: domain.ReasonRemoteUnavailable})
	c.deliver(core.Envelope{
		SessionID: f.Envelope.SessionID,
		From:      f.Envelope.To,
		To:        f.Envelope.From,
		Type:      core.MsgHangup,
		Payload:   payload,
	})
}

func (c *Client) deliver(env core.Envelope) {
	c.mu.Lock()
	fns := make([]func(core.Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}
