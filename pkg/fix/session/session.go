package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"fixengine/pkg/collector"
	"fixengine/pkg/fix/dict"
	"fixengine/pkg/fix/field"
	"fixengine/pkg/fix/frame"
	"fixengine/pkg/fix/store"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// Transport is the byte-stream collaborator. net.Conn satisfies it; TLS is
// whatever stream the caller hands in.
type Transport interface {
	io.ReadWriteCloser
}

// Application receives inbound application messages and session lifecycle
// notifications.
type Application interface {
	// OnMessage is called for every application message, in strict
	// sequence order. The message is owned by the callee.
	OnMessage(sessionID string, msg *tagvalue.Message)

	// OnLogon and OnLogout bracket the session's Active span.
	OnLogon(sessionID string)
	OnLogout(sessionID string, reason string)
}

// Tap observes sequenced application traffic in both directions. Used for
// drop-copy feeds; errors are the tap's problem, never the session's.
type Tap interface {
	OnInbound(sessionID string, frame []byte)
	OnOutbound(sessionID string, frame []byte)
}

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("session: not connected")

type eventKind int

const (
	evMsg eventKind = iota
	evErr
	evLogout
)

type event struct {
	kind eventKind
	msg  *tagvalue.Message
	err  error
	text string
}

type sendReq struct {
	fields []tagvalue.Field
	done   chan error
}

// Session drives one FIX session: transport bytes through framer, codec
// and state machine inbound; application sends through header stamping,
// store and transport outbound. All processing is serialized on one
// goroutine, which is what makes the sequence invariants hold.
type Session struct {
	cfg  Settings
	role Role
	log  *zap.Logger

	clock   Clock
	store   store.Store
	seq     *SequenceManager
	machine *machine
	framer  *frame.Framer

	app Application
	tap Tap

	mu        sync.Mutex
	transport Transport

	events chan event
	sends  chan sendReq

	tickInterval time.Duration
}

// New builds a session. The session never closes the store handle, not on
// disconnect and not when Run returns; the caller closes it. A nil
// dictionary selects the built-in session-layer
// dictionary; a nil logger is replaced with a nop logger.
func New(cfg Settings, role Role, st store.Store, d dict.Dictionary, app Application, log *zap.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newSession(cfg, role, st, d, app, log, SystemClock())
}

func newSession(cfg Settings, role Role, st store.Store, d dict.Dictionary, app Application, log *zap.Logger, clock Clock) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	seq, err := NewSequenceManager(st)
	if err != nil {
		return nil, err
	}
	v := NewValidator(d, clock, cfg.BeginString, cfg.SendingTimeTolerance)
	s := &Session{
		cfg:          cfg,
		role:         role,
		log:          log.With(zap.String("session", cfg.ID()), zap.String("role", role.String())),
		clock:        clock,
		store:        st,
		seq:          seq,
		machine:      newMachine(cfg, role, clock, seq, v),
		framer:       frame.NewFramer(cfg.MaxMessageSize),
		app:          app,
		events:       make(chan event, 64),
		sends:        make(chan sendReq, 64),
		tickInterval: time.Second,
	}
	return s, nil
}

// SetTap installs a drop-copy observer. Must be called before Run.
func (s *Session) SetTap(t Tap) { s.tap = t }

// ID returns the session identity string.
func (s *Session) ID() string { return s.cfg.ID() }

// State returns the machine's current state.
func (s *Session) State() State { return s.machine.state }

// NextSeq returns the counter pair for observability.
func (s *Session) NextSeq() (in, out uint64) {
	return s.seq.NextIn(), s.seq.NextOut()
}

// Run attaches the transport and processes the session until the context
// is cancelled or the connection drops. It returns the terminal error;
// nil when the session itself decided to disconnect.
func (s *Session) Run(ctx context.Context, t Transport) error {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.framer.Reset()

	defer func() {
		s.closeTransport()
		s.step(s.machine.onDisconnect())
	}()

	s.step(s.machine.onConnect())

	readErr := make(chan error, 1)
	go s.readLoop(t, readErr)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session cancelled")
			return ctx.Err()

		case err := <-readErr:
			s.log.Warn("transport closed", zap.Error(err))
			return err

		case <-ticker.C:
			if s.step(s.machine.onTick()) {
				return nil
			}

		case ev := <-s.events:
			switch ev.kind {
			case evErr:
				s.log.Error("inbound failure", zap.Error(ev.err))
				collector.SessionErrorCounter.WithLabelValues(s.cfg.ID(), "decode").Inc()
				return ev.err
			case evLogout:
				if s.step(s.machine.onLogout(ev.text)) {
					return nil
				}
			case evMsg:
				collector.MessageInCounter.WithLabelValues(s.cfg.ID(), ev.msg.MsgType()).Inc()
				if s.step(s.machine.onMessage(ev.msg)) {
					return nil
				}
			}

		case req := <-s.sends:
			req.done <- s.sendApp(req.fields)
		}
	}
}

// readLoop feeds transport bytes through the framer and decoder, posting
// decoded messages into the event loop.
func (s *Session) readLoop(t Transport, fatal chan<- error) {
	buf := make([]byte, 8192)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			s.framer.Append(buf[:n])
			for {
				frameBytes, ferr := s.framer.Next()
				if ferr != nil {
					// Framing failures never get a Reject: the sequence
					// number of the broken frame is unknown.
					fatal <- ferr
					return
				}
				if frameBytes == nil {
					break
				}
				msg, derr := tagvalue.Decode(frameBytes)
				if derr != nil {
					s.events <- event{kind: evErr, err: derr}
					return
				}
				s.events <- event{kind: evMsg, msg: msg.Clone()}
			}
		}
		if err != nil {
			fatal <- err
			return
		}
	}
}

// Send queues an application message. It returns once the message is
// durably stored and handed to the transport, preserving next_out order.
func (s *Session) Send(fields []tagvalue.Field) error {
	s.mu.Lock()
	connected := s.transport != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	req := sendReq{fields: fields, done: make(chan error, 1)}
	s.sends <- req
	return <-req.done
}

// Logout asks the event loop to start an orderly logout.
func (s *Session) Logout(text string) {
	s.events <- event{kind: evLogout, text: text}
}

// step executes the machine's declared actions in order and reports
// whether a disconnect happened. It also fires OnLogon when the actions
// carried the session into Active.
func (s *Session) step(actions []Action) (disconnected bool) {
	for _, a := range actions {
		switch act := a.(type) {
		case ActSend:
			if err := s.transmit(act.Fields, false); err != nil {
				s.log.Error("admin send failed", zap.Error(err))
			}
		case ActReplay:
			if err := s.replay(act.Begin, act.End); err != nil {
				s.log.Error("replay failed", zap.Error(err))
			}
		case ActDeliver:
			collector.MessageDeliveredCounter.WithLabelValues(s.cfg.ID()).Inc()
			if s.tap != nil && act.Msg.Bytes() != nil {
				s.tap.OnInbound(s.cfg.ID(), act.Msg.Bytes())
			}
			if s.app != nil {
				s.app.OnMessage(s.cfg.ID(), act.Msg)
			}
		case ActDisconnect:
			disconnected = true
			s.log.Info("disconnecting", zap.String("reason", act.Reason), zap.Bool("graceful", act.Graceful))
			collector.DisconnectCounter.WithLabelValues(s.cfg.ID(), act.Reason).Inc()
			if act.Graceful {
				s.drainSends()
			}
			s.closeTransport()
			s.machine.onDisconnect()
			if s.app != nil {
				s.app.OnLogout(s.cfg.ID(), act.Reason)
			}
		}
	}
	if s.machine.logonEvent {
		s.machine.logonEvent = false
		if s.app != nil {
			s.app.OnLogon(s.cfg.ID())
		}
	}
	return disconnected
}

// sendApp sequences, stores and writes an application message.
func (s *Session) sendApp(fields []tagvalue.Field) error {
	if s.machine.state != StateActive && s.machine.state != StateResendRequested {
		return fmt.Errorf("session: cannot send in state %s", s.machine.state)
	}
	return s.transmit(fields, true)
}

// transmit is the single outbound path: assign next_out, stamp the
// header, append to the store, then write. The sequence is only committed
// when the append succeeded; a failed append rolls it back and nothing
// reaches the wire.
func (s *Session) transmit(body []tagvalue.Field, isApp bool) error {
	seqNum := s.seq.AssignOut()
	full := s.stampHeader(seqNum, body, isApp)
	bytes := tagvalue.Encode(s.cfg.BeginString, full)

	if err := s.store.Append(seqNum, bytes); err != nil {
		s.seq.RollbackOut()
		collector.SessionErrorCounter.WithLabelValues(s.cfg.ID(), "store").Inc()
		return fmt.Errorf("session: store append: %w", err)
	}
	_ = s.seq.Persist()

	if err := s.write(bytes); err != nil {
		// The message is stored and will reach the peer via resend.
		return err
	}
	if isApp && s.tap != nil {
		s.tap.OnOutbound(s.cfg.ID(), bytes)
	}
	return nil
}

// replay answers a ResendRequest from the store, coalescing admin runs
// into gap fills. Replayed messages keep their original sequence numbers
// and bypass the store.
func (s *Session) replay(begin, end uint64) error {
	items, err := BuildReplay(s.store, begin, end, s.seq.NextOut())
	if err != nil {
		return err
	}
	now := field.UTCTimestampBytes(s.clock.Now())
	for _, item := range items {
		var fields []tagvalue.Field
		if item.GapFill {
			fields = []tagvalue.Field{
				tagvalue.StringField(tag.MsgType, tag.MsgTypeSequenceReset),
				tagvalue.UintField(tag.MsgSeqNum, item.Seq),
				tagvalue.BoolField(tag.PossDupFlag, true),
				tagvalue.StringField(tag.SenderCompID, s.cfg.SenderCompID),
				tagvalue.StringField(tag.TargetCompID, s.cfg.TargetCompID),
				{Tag: tag.SendingTime, Value: now},
				{Tag: tag.OrigSendingTime, Value: now},
				tagvalue.BoolField(tag.GapFillFlag, true),
				tagvalue.UintField(tag.NewSeqNo, item.NewSeqNo),
			}
		} else {
			fields = make([]tagvalue.Field, 0, len(item.Fields)+5)
			fields = append(fields,
				tagvalue.UintField(tag.MsgSeqNum, item.Seq),
				tagvalue.BoolField(tag.PossDupFlag, true),
				tagvalue.StringField(tag.SenderCompID, s.cfg.SenderCompID),
				tagvalue.StringField(tag.TargetCompID, s.cfg.TargetCompID),
				tagvalue.Field{Tag: tag.SendingTime, Value: now},
			)
			fields = append(fields, item.Fields...)
		}
		collector.ResendCounter.WithLabelValues(s.cfg.ID()).Inc()
		if err := s.write(tagvalue.Encode(s.cfg.BeginString, fields)); err != nil {
			return err
		}
	}
	return nil
}

// stampHeader builds the final ordered field list: 35 leads, then 34, 49,
// 56, 52, then the caller's body in its original order.
func (s *Session) stampHeader(seqNum uint64, body []tagvalue.Field, isApp bool) []tagvalue.Field {
	fields := make([]tagvalue.Field, 0, len(body)+6)
	msgTypeAt := -1
	for i, f := range body {
		if f.Tag == tag.MsgType {
			msgTypeAt = i
			fields = append(fields, f)
			break
		}
	}
	fields = append(fields,
		tagvalue.UintField(tag.MsgSeqNum, seqNum),
		tagvalue.StringField(tag.SenderCompID, s.cfg.SenderCompID),
		tagvalue.StringField(tag.TargetCompID, s.cfg.TargetCompID),
		tagvalue.Field{Tag: tag.SendingTime, Value: field.UTCTimestampBytes(s.clock.Now())},
	)
	// FIXT sessions convey the application version per message.
	if isApp && s.cfg.BeginString == tag.BeginStringFIXT11 && !hasTag(body, tag.ApplVerID) {
		fields = append(fields, tagvalue.StringField(tag.ApplVerID, s.machine.applVerID))
	}
	for i, f := range body {
		if i == msgTypeAt {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

func (s *Session) write(bytes []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if _, err := t.Write(bytes); err != nil {
		collector.SessionErrorCounter.WithLabelValues(s.cfg.ID(), "transport").Inc()
		return fmt.Errorf("session: write: %w", err)
	}
	s.machine.noteSent()
	collector.MessageOutCounter.WithLabelValues(s.cfg.ID()).Inc()
	return nil
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// drainSends flushes queued application sends before a graceful close.
func (s *Session) drainSends() {
	for {
		select {
		case req := <-s.sends:
			req.done <- s.sendApp(req.fields)
		default:
			return
		}
	}
}

func hasTag(fields []tagvalue.Field, t tag.Tag) bool {
	for _, f := range fields {
		if f.Tag == t {
			return true
		}
	}
	return false
}
