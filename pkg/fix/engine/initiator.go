package engine

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"fixengine/pkg/fix/session"
)

// maxBackoff caps the reconnect delay.
const maxBackoff = 60 * time.Second

// Initiator dials the counterparty and keeps the session connected,
// reconnecting with exponential backoff after transport failures.
// Sequence state persists across reconnects; only an explicit reset
// restarts the counters.
type Initiator struct {
	addr    string
	session *session.Session
	log     *zap.Logger

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
}

// NewInitiator builds an initiator for one session.
func NewInitiator(addr string, s *session.Session, log *zap.Logger) *Initiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Initiator{
		addr:        addr,
		session:     s,
		log:         log.Named("initiator").With(zap.String("session", s.ID())),
		DialTimeout: 10 * time.Second,
	}
}

// Session returns the managed session.
func (i *Initiator) Session() *session.Session {
	return i.session
}

// Run connects and reconnects until the context is cancelled.
func (i *Initiator) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		start := time.Now()
		conn, err := i.dial(ctx)
		if err == nil {
			i.log.Info("connected", zap.String("addr", i.addr))
			err = i.session.Run(ctx, conn)
			i.log.Warn("session ended", zap.Error(err))
		} else {
			i.log.Warn("dial failed", zap.String("addr", i.addr), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > maxBackoff {
			backoff = time.Second
		}
		i.log.Info("reconnecting", zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (i *Initiator) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: i.DialTimeout}
	return d.DialContext(ctx, "tcp", i.addr)
}
