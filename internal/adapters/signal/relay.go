package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Relay is a minimal WebSocket rendezvous server: endpoints join as users and
// relay envelopes to whoever joined as the recipient. It backs local
// development and the client tests; production deployments point Client at
// their own relay.
type Relay struct {
	mu    sync.RWMutex
	users map[domain.UserID]*relayConn
	conns map[*relayConn]struct{}

	readLimit int64
	log       zerolog.Logger
}

func NewRelay(readLimit int64) *Relay {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	return &Relay{
		users:     make(map[domain.UserID]*relayConn),
		conns:     make(map[*relayConn]struct{}),
		readLimit: readLimit,
		log:       log.With().Str("module", "signal.relay").Logger(),
	}
}

type relayConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *relayConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *relayConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (r *Relay) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(r.readLimit)

	conn := &relayConn{
		conn: ws,
		send: make(chan []byte, 64),
	}
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go r.writePump(ctx, conn)
	go func() {
		defer cancel()
		r.readPump(conn)
	}()
}

func (r *Relay) writePump(ctx context.Context, c *relayConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				r.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.log.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (r *Relay) readPump(c *relayConn) {
	var joined []domain.UserID
	defer func() {
		r.unbind(c, joined)
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			r.log.Debug().Err(err).Msg("readPump read error")
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.log.Error().Err(err).Msg("bad json")
			continue
		}

		switch f.Type {
		case frameJoin:
			if _, err := domain.ParseUserID(string(f.User)); err != nil {
				r.reply(c, frame{Type: frameError, Error: err.Error()})
				continue
			}
			r.bind(f.User, c)
			joined = append(joined, f.User)
		case frameLeave:
			r.leave(f.User, c)
		case frameRelay:
			r.handleRelay(c, f)
		case framePing:
			r.reply(c, frame{Type: framePong})
		default:
			r.log.Warn().Str("type", string(f.Type)).Msg("unknown frame")
		}
	}
}

func (r *Relay) handleRelay(src *relayConn, f frame) {
	if f.Envelope == nil {
		return
	}
	env := f.Envelope
	r.mu.RLock()
	dst, ok := r.users[env.To]
	r.mu.RUnlock()
	if !ok {
		r.reply(src, frame{Type: frameError, Code: codeUnavailable, Error: "recipient not connected", Envelope: env})
		return
	}

	b, err := json.Marshal(f)
	if err != nil {
		r.log.Error().Err(err).Msg("relay marshal")
		return
	}
	if err := dst.TrySend(b); err != nil {
		// a stalled endpoint loses its connection and rejoins on reconnect
		r.log.Warn().Err(err).Str("to", string(env.To)).Msg("relay send failed, dropping endpoint")
		dst.Close()
		r.reply(src, frame{Type: frameError, Code: codeUnavailable, Error: err.Error(), Envelope: env})
	}
}

func (r *Relay) reply(c *relayConn, f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		r.log.Error().Err(err).Msg("reply marshal")
		return
	}
	_ = c.TrySend(b)
}

func (r *Relay) bind(user domain.UserID, c *relayConn) {
	r.mu.Lock()
	r.users[user] = c
	r.mu.Unlock()
	r.log.Info().Str("user", string(user)).Msg("joined")
}

func (r *Relay) leave(user domain.UserID, c *relayConn) {
	r.mu.Lock()
	if r.users[user] == c {
		delete(r.users, user)
	}
	r.mu.Unlock()
	r.log.Info().Str("user", string(user)).Msg("left")
}

func (r *Relay) unbind(c *relayConn, users []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	for _, u := range users {
		if r.users[u] == c {
			delete(r.users, u)
		}
	}
}

// DisconnectAll drops every endpoint; clients reconnect on their own.
func (r *Relay) DisconnectAll() {
	r.mu.RLock()
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
