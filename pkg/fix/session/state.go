package session

import (
	"fmt"
	"time"

	"fixengine/pkg/collector"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// State is the session lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateLogonSent
	StateLogonReceived
	StateActive
	StateResendRequested
	StateLogoutSent
	StateLogoutReceived
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLogonSent:
		return "logon-sent"
	case StateLogonReceived:
		return "logon-received"
	case StateActive:
		return "active"
	case StateResendRequested:
		return "resend-requested"
	case StateLogoutSent:
		return "logout-sent"
	case StateLogoutReceived:
		return "logout-received"
	}
	return "unknown"
}

// Action is a declared side effect. The machine never performs I/O; the
// orchestrator executes the returned actions in order.
type Action interface{ isAction() }

// ActSend sequences, stores and transmits a message built from the body
// fields. Header stamping happens in the orchestrator.
type ActSend struct {
	Fields []tagvalue.Field
}

// ActReplay replays stored messages [Begin, End] with admin runs coalesced
// into SequenceReset-GapFill. End 0 means up to next_out-1.
type ActReplay struct {
	Begin, End uint64
}

// ActDeliver hands an application message to the registered callback.
type ActDeliver struct {
	Msg *tagvalue.Message
}

// ActDisconnect tears the transport down.
type ActDisconnect struct {
	Reason   string
	Graceful bool
}

func (ActSend) isAction()       {}
func (ActReplay) isAction()     {}
func (ActDeliver) isAction()    {}
func (ActDisconnect) isAction() {}

// machine is the session state machine. It owns no I/O: inputs are decoded
// messages, timer ticks and operator commands; outputs are Actions. All
// timing decisions compare against the injected clock, so tests drive the
// machine with a virtual clock.
type machine struct {
	cfg   Settings
	role  Role
	clock Clock
	seq   *SequenceManager

	state State

	heartBtInt time.Duration

	lastSent     time.Time
	lastReceived time.Time

	pendingTestReqID string
	testRequestAt    time.Time

	logonDeadline  time.Time
	logoutDeadline time.Time

	// queued holds cloned inbound messages received ahead of next_in
	// while a resend is outstanding.
	queued map[uint64]*tagvalue.Message

	// applVerID is the negotiated DefaultApplVerID on FIXT sessions.
	applVerID string

	// logonEvent flags a completed handshake for the orchestrator's
	// OnLogon callback; cleared when consumed.
	logonEvent bool

	validator *Validator
}

func newMachine(cfg Settings, role Role, clock Clock, seq *SequenceManager, v *Validator) *machine {
	return &machine{
		cfg:        cfg,
		role:       role,
		clock:      clock,
		seq:        seq,
		state:      StateDisconnected,
		heartBtInt: cfg.HeartbeatInterval,
		queued:     make(map[uint64]*tagvalue.Message),
		applVerID:  cfg.DefaultApplVerID,
		validator:  v,
	}
}

// onConnect arms the logon timeout; initiators also emit their Logon.
func (m *machine) onConnect() []Action {
	now := m.clock.Now()
	m.lastSent = now
	m.lastReceived = now
	m.logonDeadline = now.Add(m.cfg.LogonTimeout)
	m.pendingTestReqID = ""

	if m.role == Initiator {
		if m.cfg.ResetOnLogon {
			_ = m.seq.Reset(1, 1)
		}
		m.state = StateLogonSent
		return []Action{ActSend{Fields: m.logonFields()}}
	}
	m.state = StateConnecting
	return nil
}

// onDisconnect cancels timers and persists sequence state.
func (m *machine) onDisconnect() []Action {
	m.state = StateDisconnected
	m.pendingTestReqID = ""
	m.queued = make(map[uint64]*tagvalue.Message)
	_ = m.seq.Persist()
	return nil
}

// onTick evaluates every armed deadline against the clock.
func (m *machine) onTick() []Action {
	now := m.clock.Now()
	var actions []Action

	switch m.state {
	case StateConnecting, StateLogonSent:
		if now.After(m.logonDeadline) {
			return []Action{ActDisconnect{Reason: "logon timeout"}}
		}
		return nil
	case StateLogoutSent:
		if now.After(m.logoutDeadline) {
			return []Action{ActDisconnect{Reason: "logout timeout"}}
		}
		return nil
	case StateActive, StateResendRequested:
	default:
		return nil
	}

	// No outbound traffic for a full interval: keep the line warm.
	if now.Sub(m.lastSent) >= m.heartBtInt {
		actions = append(actions, ActSend{Fields: []tagvalue.Field{
			tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat),
		}})
	}

	// Inbound silence beyond the interval plus tolerance: probe, then cut.
	grace := m.heartBtInt / 5
	if grace < time.Second {
		grace = time.Second
	}
	if m.pendingTestReqID == "" {
		if now.Sub(m.lastReceived) >= m.heartBtInt+grace {
			id := fmt.Sprintf("TEST-%d", now.UnixNano())
			m.pendingTestReqID = id
			m.testRequestAt = now
			collector.StartRoundTrip(m.cfg.ID(), id)
			actions = append(actions, ActSend{Fields: []tagvalue.Field{
				tagvalue.StringField(tag.MsgType, tag.MsgTypeTestRequest),
				tagvalue.StringField(tag.TestReqID, id),
			}})
		}
	} else if now.Sub(m.testRequestAt) >= m.heartBtInt {
		return append(actions, ActDisconnect{Reason: "no response to TestRequest"})
	}

	return actions
}

// onLogout is the operator-initiated logout.
func (m *machine) onLogout(text string) []Action {
	if m.state != StateActive && m.state != StateResendRequested {
		return []Action{ActDisconnect{Reason: "logout while not active", Graceful: true}}
	}
	m.state = StateLogoutSent
	m.logoutDeadline = m.clock.Now().Add(m.cfg.LogoutTimeout)
	fields := []tagvalue.Field{tagvalue.StringField(tag.MsgType, tag.MsgTypeLogout)}
	if text != "" {
		fields = append(fields, tagvalue.StringField(tag.Text, text))
	}
	return []Action{ActSend{Fields: fields}}
}

// onMessage is the inbound path: header validation, sequence discipline,
// then per-type admin handling or application handout.
func (m *machine) onMessage(msg *tagvalue.Message) []Action {
	m.lastReceived = m.clock.Now()
	msgType := msg.MsgType()

	// Before logon completes only Logon is legal on the wire.
	switch m.state {
	case StateConnecting, StateLogonSent:
		if msgType != tag.MsgTypeLogon {
			return []Action{ActDisconnect{Reason: "first message is not Logon"}}
		}
	case StateDisconnected:
		return nil
	}

	if act := m.validateHeader(msg); act != nil {
		return act
	}

	seq := msg.SeqNum()
	if seq == 0 {
		// Without MsgSeqNum the counter cannot advance.
		return []Action{
			m.reject(0, tag.RejectReasonRequiredTagMissing, tag.MsgSeqNum, "MsgSeqNum missing"),
			ActDisconnect{Reason: "message without MsgSeqNum"},
		}
	}

	// SequenceReset-Reset bypasses sequence checks entirely: it exists to
	// repair a broken counter from the operations side.
	if msgType == tag.MsgTypeSequenceReset && !msg.GetBool(tag.GapFillFlag) {
		return m.onSequenceResetReset(msg)
	}

	// A resetting Logon restarts the counters before its own sequence
	// number is judged; the peer numbered it against the fresh state. When
	// we initiated the reset ourselves, the inbound flag only confirms it.
	if msgType == tag.MsgTypeLogon && msg.GetBool(tag.ResetSeqNumFlag) {
		confirmsOurReset := m.state == StateLogonSent && m.cfg.ResetOnLogon
		if !confirmsOurReset && (m.seq.NextIn() != 1 || m.seq.NextOut() != 1) {
			_ = m.seq.Reset(1, 1)
		}
	}

	switch m.seq.ObserveIn(seq) {
	case SeqLower:
		if msg.PossDup() {
			return nil // replay of something already processed
		}
		return []Action{ActDisconnect{
			Reason: fmt.Sprintf("MsgSeqNum too low: expected %d, got %d without PossDupFlag", m.seq.NextIn(), seq),
		}}

	case SeqHigher:
		// A Logout must not be answered with a ResendRequest, and a Logon
		// completes the handshake before gap recovery starts.
		if msgType == tag.MsgTypeLogout {
			return m.peerLogout()
		}
		var actions []Action
		if msgType == tag.MsgTypeLogon {
			actions = append(actions, m.completeLogon(msg)...)
		}
		m.queued[seq] = msg.Clone()
		if m.state != StateResendRequested {
			m.state = StateResendRequested
			actions = append(actions, ActSend{Fields: []tagvalue.Field{
				tagvalue.StringField(tag.MsgType, tag.MsgTypeResendRequest),
				tagvalue.UintField(tag.BeginSeqNo, m.seq.NextIn()),
				tagvalue.UintField(tag.EndSeqNo, 0),
			}})
		}
		return actions
	}

	// Expected sequence: process, then drain anything that became
	// in-order behind it.
	actions := m.process(msg)
	if m.state == StateResendRequested {
		actions = append(actions, m.drainQueue()...)
		if len(m.queued) == 0 {
			m.state = StateActive
		}
	}
	return actions
}

// process handles a message carrying the expected sequence number. The
// number is consumed here exactly once, reject or not.
func (m *machine) process(msg *tagvalue.Message) []Action {
	if verr := m.validator.Validate(msg); verr != nil {
		_ = m.seq.AdvanceIn()
		return []Action{m.rejectFrom(msg, verr)}
	}
	_ = m.seq.AdvanceIn()

	switch msg.MsgType() {
	case tag.MsgTypeLogon:
		return m.completeLogon(msg)
	case tag.MsgTypeHeartbeat:
		if id, ok := msg.GetString(tag.TestReqID); !ok || id == m.pendingTestReqID {
			if ok {
				collector.EndRoundTrip(m.cfg.ID(), id)
			}
			m.pendingTestReqID = ""
		}
		return nil
	case tag.MsgTypeTestRequest:
		id, _ := msg.GetString(tag.TestReqID)
		return []Action{ActSend{Fields: []tagvalue.Field{
			tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat),
			tagvalue.StringField(tag.TestReqID, id),
		}}}
	case tag.MsgTypeResendRequest:
		begin, _ := msg.GetUint(tag.BeginSeqNo)
		end, _ := msg.GetUint(tag.EndSeqNo)
		return []Action{ActReplay{Begin: begin, End: end}}
	case tag.MsgTypeSequenceReset:
		// Only GapFill reaches here; Reset short-circuits earlier.
		return m.onGapFill(msg)
	case tag.MsgTypeLogout:
		return m.peerLogout()
	default:
		return []Action{ActDeliver{Msg: msg.Clone()}}
	}
}

// completeLogon finishes the handshake from either role.
func (m *machine) completeLogon(msg *tagvalue.Message) []Action {
	reset := msg.GetBool(tag.ResetSeqNumFlag)

	if m.state == StateActive || m.state == StateResendRequested {
		// In-session Logon: honoured only as a reset request.
		if !reset {
			actions := m.onLogout("logon received while active")
			return append(actions, ActDisconnect{Reason: "logon while active", Graceful: true})
		}
	}

	if hb, ok := msg.GetUint(tag.HeartBtInt); ok {
		m.heartBtInt = time.Duration(hb) * time.Second
	}
	if ver, ok := msg.GetString(tag.DefaultApplVerID); ok {
		m.applVerID = ver
	}

	m.logonEvent = true
	if m.role == Acceptor {
		m.state = StateActive
		return []Action{ActSend{Fields: m.logonFields()}}
	}
	m.state = StateActive
	return nil
}

// onSequenceResetReset forces next_in regardless of the carried sequence.
func (m *machine) onSequenceResetReset(msg *tagvalue.Message) []Action {
	newSeq, ok := msg.GetUint(tag.NewSeqNo)
	if !ok {
		return []Action{m.reject(msg.SeqNum(), tag.RejectReasonRequiredTagMissing, tag.NewSeqNo, "NewSeqNo missing")}
	}
	_ = m.seq.ForceIn(newSeq)
	return nil
}

// onGapFill handles SequenceReset-GapFill during resend. NewSeqNo must
// move the counter forward; anything else is reject reason 5.
func (m *machine) onGapFill(msg *tagvalue.Message) []Action {
	newSeq, ok := msg.GetUint(tag.NewSeqNo)
	if !ok {
		return []Action{m.reject(msg.SeqNum(), tag.RejectReasonRequiredTagMissing, tag.NewSeqNo, "NewSeqNo missing")}
	}
	if newSeq < m.seq.NextIn() {
		return []Action{m.reject(msg.SeqNum(), tag.RejectReasonValueIncorrect, tag.NewSeqNo,
			fmt.Sprintf("NewSeqNo %d is below expected %d", newSeq, m.seq.NextIn()))}
	}
	_ = m.seq.ForceIn(newSeq)
	return nil
}

// peerLogout answers the counterparty's Logout, or completes our own.
func (m *machine) peerLogout() []Action {
	if m.state == StateLogoutSent {
		return []Action{ActDisconnect{Reason: "logout complete", Graceful: true}}
	}
	m.state = StateLogoutReceived
	return []Action{
		ActSend{Fields: []tagvalue.Field{tagvalue.StringField(tag.MsgType, tag.MsgTypeLogout)}},
		ActDisconnect{Reason: "logout requested by peer", Graceful: true},
	}
}

// drainQueue processes queued messages that became in-order.
func (m *machine) drainQueue() []Action {
	var actions []Action
	for {
		next, ok := m.queued[m.seq.NextIn()]
		if !ok {
			return actions
		}
		delete(m.queued, m.seq.NextIn())
		actions = append(actions, m.process(next)...)
	}
}

// validateHeader checks BeginString and the CompID pair before anything
// else touches the message.
func (m *machine) validateHeader(msg *tagvalue.Message) []Action {
	if bs := msg.BeginString(); bs != m.cfg.BeginString {
		return []Action{ActDisconnect{Reason: fmt.Sprintf("BeginString %q does not match session %q", bs, m.cfg.BeginString)}}
	}
	sender, _ := msg.GetString(tag.SenderCompID)
	target, _ := msg.GetString(tag.TargetCompID)
	if sender != m.cfg.TargetCompID || target != m.cfg.SenderCompID {
		// A CompID problem consumes a sequence number like any reject.
		seq := msg.SeqNum()
		if seq == m.seq.NextIn() {
			_ = m.seq.AdvanceIn()
		}
		return []Action{
			m.reject(seq, tag.RejectReasonCompIDProblem, tag.SenderCompID, "CompID mismatch"),
			ActDisconnect{Reason: "CompID mismatch"},
		}
	}
	return nil
}

func (m *machine) reject(refSeq uint64, reason int, refTag tag.Tag, text string) Action {
	collector.RejectCounter.WithLabelValues(m.cfg.ID()).Inc()
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, tag.MsgTypeReject),
		tagvalue.UintField(tag.RefSeqNum, refSeq),
		tagvalue.IntField(tag.SessionRejectReason, int64(reason)),
	}
	if refTag != 0 {
		fields = append(fields, tagvalue.UintField(tag.RefTagID, uint64(refTag)))
	}
	if text != "" {
		fields = append(fields, tagvalue.StringField(tag.Text, text))
	}
	return ActSend{Fields: fields}
}

func (m *machine) rejectFrom(msg *tagvalue.Message, verr *RejectError) Action {
	collector.RejectCounter.WithLabelValues(m.cfg.ID()).Inc()
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, tag.MsgTypeReject),
		tagvalue.UintField(tag.RefSeqNum, msg.SeqNum()),
		tagvalue.IntField(tag.SessionRejectReason, int64(verr.Reason)),
		tagvalue.StringField(tag.RefMsgType, msg.MsgType()),
	}
	if verr.RefTag != 0 {
		fields = append(fields, tagvalue.UintField(tag.RefTagID, uint64(verr.RefTag)))
	}
	if verr.Text != "" {
		fields = append(fields, tagvalue.StringField(tag.Text, verr.Text))
	}
	return ActSend{Fields: fields}
}

// logonFields builds the Logon body for this side.
func (m *machine) logonFields() []tagvalue.Field {
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, tag.MsgTypeLogon),
		tagvalue.IntField(tag.EncryptMethod, 0),
		tagvalue.UintField(tag.HeartBtInt, uint64(m.heartBtInt/time.Second)),
	}
	if m.cfg.ResetOnLogon && m.role == Initiator {
		fields = append(fields, tagvalue.BoolField(tag.ResetSeqNumFlag, true))
	}
	if m.cfg.BeginString == tag.BeginStringFIXT11 {
		fields = append(fields, tagvalue.StringField(tag.DefaultApplVerID, m.applVerID))
	}
	if m.cfg.Username != "" {
		fields = append(fields, tagvalue.StringField(tag.Username, m.cfg.Username))
	}
	if m.cfg.Password != "" {
		fields = append(fields, tagvalue.StringField(tag.Password, m.cfg.Password))
	}
	return fields
}

// noteSent records an outbound message for heartbeat timing.
func (m *machine) noteSent() {
	m.lastSent = m.clock.Now()
}
