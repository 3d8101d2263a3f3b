// Package realtime holds the live connection registry and the notification
// fanout that pushes lifecycle events to connected patients and doctors.
package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Legion808/klinika/internal/apperr"
)

const (
	DefaultShards     = 16
	DefaultSendBuffer = 256
)

// Conn abstracts a websocket connection for testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one registered connection. Outbound frames go through a
// bounded buffer drained by the session's own write pump, so a slow peer
// only ever delays itself.
type Session struct {
	key    string
	conn   Conn
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (s *Session) Key() string { return s.key }

// Closed reports whether the session was superseded, released or failed.
func (s *Session) Closed() bool { return s.closed.Load() }

// close is safe to call concurrently with a pending write; gorilla allows
// Close alongside a writer and the write then fails.
func (s *Session) close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	_ = s.conn.Close()
	return true
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry maps session keys to at most one live connection each. Keys are
// spread over independently locked shards; no lock is held during network
// writes.
type Registry struct {
	shards     []*shard
	sendBuffer int
	metrics    *Metrics
	log        zerolog.Logger
}

func NewRegistry(shards, sendBuffer int, m *Metrics, log zerolog.Logger) *Registry {
	if shards < 1 {
		shards = DefaultShards
	}
	if sendBuffer < 1 {
		sendBuffer = DefaultSendBuffer
	}
	r := &Registry{
		shards:     make([]*shard, shards),
		sendBuffer: sendBuffer,
		metrics:    m,
		log:        log.With().Str("component", "registry").Logger(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[xxhash.Sum64String(key)%uint64(len(r.shards))]
}

// Connect registers conn under key and starts its write pump. A connection
// already registered for key is closed, and errors from that close are ignored.
func (r *Registry) Connect(key string, conn Conn) *Session {
	sess := &Session{
		key:  key,
		conn: conn,
		out:  make(chan []byte, r.sendBuffer),
		done: make(chan struct{}),
	}

	sh := r.shardFor(key)
	sh.mu.Lock()
	old := sh.sessions[key]
	sh.sessions[key] = sess
	if old == nil {
		r.metrics.SessionsActive.Inc()
	}
	sh.mu.Unlock()

	if old != nil {
		old.close()
		r.log.Debug().Str("key", key).Msg("superseded previous connection")
	}
	go r.pump(sess)
	return sess
}

func (r *Registry) pump(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.out:
			if sess.Closed() {
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if sess.Closed() {
					return
				}
				r.metrics.delivery(OutcomeFailed)
				r.log.Warn().Err(fmt.Errorf("%w: %v", apperr.ErrDeliveryFailure, err)).Str("key", sess.key).Msg("write failed, dropping session")
				r.Release(sess)
				return
			}
			r.metrics.delivery(OutcomeDelivered)
		}
	}
}

// Disconnect removes and closes whatever is registered under key.
func (r *Registry) Disconnect(key string) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	sess, ok := sh.sessions[key]
	if ok {
		delete(sh.sessions, key)
		r.metrics.SessionsActive.Dec()
	}
	sh.mu.Unlock()

	if ok {
		sess.close()
	}
}

// Release removes key only while it still maps to sess, so a connection
// that was superseded cannot evict its replacement. sess is closed either way.
func (r *Registry) Release(sess *Session) {
	sh := r.shardFor(sess.key)
	sh.mu.Lock()
	if cur, ok := sh.sessions[sess.key]; ok && cur == sess {
		delete(sh.sessions, sess.key)
		r.metrics.SessionsActive.Dec()
	}
	sh.mu.Unlock()

	sess.close()
}

func (r *Registry) lookup(key string) *Session {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sessions[key]
}

// Send queues payload for the connection registered under key without
// waiting on the network. It reports false with a nil error when no session
// is registered. A session whose buffer is full is dropped and an error
// wrapping apperr.ErrDeliveryFailure is returned; the client reconnects and
// receives a fresh snapshot. Write failures surface later from the pump,
// which drops the session the same way.
func (r *Registry) Send(key string, payload []byte) (bool, error) {
	sess := r.lookup(key)
	if sess == nil || sess.Closed() {
		r.metrics.delivery(OutcomeNoSession)
		return false, nil
	}
	select {
	case sess.out <- payload:
		return true, nil
	default:
		r.metrics.delivery(OutcomeDropped)
		r.Release(sess)
		return false, fmt.Errorf("%w: %s: send buffer full", apperr.ErrDeliveryFailure, key)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Has reports whether key currently has a registered session.
func (r *Registry) Has(key string) bool {
	return r.lookup(key) != nil
}

// CloseAll closes every session, used on shutdown.
func (r *Registry) CloseAll() {
	var all []*Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			all = append(all, sess)
		}
		sh.sessions = make(map[string]*Session)
		sh.mu.Unlock()
	}
	r.metrics.SessionsActive.Set(0)

	for _, sess := range all {
		sess.close()
	}
}

// WSConn adapts a gorilla connection to Conn, bounding every write.
type WSConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func NewWSConn(c *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{Conn: c, writeTimeout: writeTimeout}
}

func (c *WSConn) WriteMessage(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.Conn.WriteMessage(messageType, data)
}
