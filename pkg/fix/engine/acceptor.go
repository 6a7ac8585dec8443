// Package engine provides the network front-ends for FIX sessions: an
// acceptor that routes inbound connections to configured sessions by
// CompID triple, and an initiator that dials out and reconnects with
// capped exponential backoff.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"fixengine/pkg/fix/frame"
	"fixengine/pkg/fix/session"
	"fixengine/pkg/fix/tagvalue"
)

// Acceptor listens for counterparties and hands each connection to the
// session owning the announced identity. Unknown identities are dropped
// before any session state is touched.
type Acceptor struct {
	addr string
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	ln net.Listener
	wg sync.WaitGroup
}

// NewAcceptor builds an acceptor listening on addr once started.
func NewAcceptor(addr string, log *zap.Logger) *Acceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Acceptor{
		addr:     addr,
		log:      log.Named("acceptor"),
		sessions: make(map[string]*session.Session),
	}
}

// AddSession registers a session under its identity.
func (a *Acceptor) AddSession(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID()] = s
}

// Sessions returns the registered sessions for observability surfaces.
func (a *Acceptor) Sessions() []*session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Start listens and serves until the context is cancelled.
func (a *Acceptor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", a.addr, err)
	}
	a.ln = ln
	a.log.Info("listening", zap.String("addr", a.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.wg.Wait()
				return nil
			}
			return fmt.Errorf("engine: accept: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(ctx, conn)
		}()
	}
}

// handle peeks the first frame to learn who is calling, then replays the
// consumed bytes into the owning session's transport.
func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	first, consumed, err := peekFrame(conn)
	if err != nil {
		a.log.Warn("rejecting connection", zap.String("peer", peer), zap.Error(err))
		conn.Close()
		return
	}

	msg, err := tagvalue.Decode(first)
	if err != nil {
		a.log.Warn("undecodable first frame", zap.String("peer", peer), zap.Error(err))
		conn.Close()
		return
	}

	// The caller's sender is our target and vice versa.
	sender, _ := msg.GetString(49)
	target, _ := msg.GetString(56)
	key := msg.BeginString() + ":" + target + "->" + sender

	a.mu.RLock()
	s := a.sessions[key]
	a.mu.RUnlock()
	if s == nil {
		a.log.Warn("no session for identity", zap.String("peer", peer), zap.String("identity", key))
		conn.Close()
		return
	}

	a.log.Info("connection bound", zap.String("peer", peer), zap.String("session", s.ID()))
	err = s.Run(ctx, &prefixedConn{Conn: conn, prefix: consumed})
	a.log.Info("connection finished", zap.String("session", s.ID()), zap.Error(err))
}

// peekFrame reads until one complete frame is buffered and returns both
// the frame and every byte consumed so far.
func peekFrame(conn net.Conn) ([]byte, []byte, error) {
	f := frame.NewFramer(0)
	var consumed []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			consumed = append(consumed, buf[:n]...)
			f.Append(buf[:n])
			frameBytes, ferr := f.Next()
			if ferr != nil {
				return nil, nil, ferr
			}
			if frameBytes != nil {
				return frameBytes, consumed, nil
			}
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// prefixedConn replays the peeked bytes before continuing with the live
// connection.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
