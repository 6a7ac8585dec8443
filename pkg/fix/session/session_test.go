package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixengine/pkg/fix/field"
	"fixengine/pkg/fix/store"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

// captureConn records outbound frames; reads block until Close.
type captureConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
}

func newCaptureConn() *captureConn {
	return &captureConn{closed: make(chan struct{})}
}

func (c *captureConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, errors.New("closed")
}

func (c *captureConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *captureConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *captureConn) frames(t *testing.T) []*tagvalue.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*tagvalue.Message, 0, len(c.writes))
	for _, w := range c.writes {
		msg, err := tagvalue.Decode(w)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *captureConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// recordingApp collects callbacks.
type recordingApp struct {
	mu        sync.Mutex
	delivered []*tagvalue.Message
	logons    int
	logouts   int
}

func (a *recordingApp) OnMessage(sessionID string, msg *tagvalue.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, msg)
}

func (a *recordingApp) OnLogon(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logons++
}

func (a *recordingApp) OnLogout(sessionID string, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
}

type harness struct {
	s     *Session
	conn  *captureConn
	clock *FakeClock
	app   *recordingApp
	st    store.Store
}

func newHarness(t *testing.T, role Role, heartbeat time.Duration) *harness {
	t.Helper()
	st, err := store.NewMemStore()
	require.NoError(t, err)

	cfg := Settings{
		SenderCompID:      "A",
		TargetCompID:      "B",
		BeginString:       "FIX.4.4",
		HeartbeatInterval: heartbeat,
	}
	require.NoError(t, cfg.Validate())

	clock := &FakeClock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	app := &recordingApp{}
	s, err := newSession(cfg, role, st, nil, app, nil, clock)
	require.NoError(t, err)

	conn := newCaptureConn()
	s.transport = conn
	return &harness{s: s, conn: conn, clock: clock, app: app, st: st}
}

// connect runs the Connect event without the event loop.
func (h *harness) connect() {
	h.s.step(h.s.machine.onConnect())
}

// deliver runs one inbound message through the machine.
func (h *harness) deliver(msg *tagvalue.Message) bool {
	return h.s.step(h.s.machine.onMessage(msg))
}

func (h *harness) tick() bool {
	return h.s.step(h.s.machine.onTick())
}

// inbound builds a counterparty message (B -> A) carrying seq.
func (h *harness) inbound(t *testing.T, seq uint64, body ...tagvalue.Field) *tagvalue.Message {
	t.Helper()
	fields := make([]tagvalue.Field, 0, len(body)+5)
	var msgType tagvalue.Field
	for _, f := range body {
		if f.Tag == tag.MsgType {
			msgType = f
		}
	}
	fields = append(fields, msgType,
		tagvalue.UintField(tag.MsgSeqNum, seq),
		tagvalue.StringField(tag.SenderCompID, "B"),
		tagvalue.StringField(tag.TargetCompID, "A"),
		tagvalue.Field{Tag: tag.SendingTime, Value: field.UTCTimestampBytes(h.clock.Now())},
	)
	for _, f := range body {
		if f.Tag != tag.MsgType {
			fields = append(fields, f)
		}
	}
	raw := tagvalue.Encode("FIX.4.4", fields)
	msg, err := tagvalue.Decode(raw)
	require.NoError(t, err)
	return msg
}

func logonBody(extra ...tagvalue.Field) []tagvalue.Field {
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, tag.MsgTypeLogon),
		tagvalue.IntField(tag.EncryptMethod, 0),
		tagvalue.UintField(tag.HeartBtInt, 30),
	}
	return append(fields, extra...)
}

func TestLogonHandshakeAcceptor(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	assert.Equal(t, StateConnecting, h.s.State())

	disconnected := h.deliver(h.inbound(t, 1, logonBody(tagvalue.BoolField(tag.ResetSeqNumFlag, true))...))
	assert.False(t, disconnected)
	assert.Equal(t, StateActive, h.s.State())

	in, out := h.s.NextSeq()
	assert.Equal(t, uint64(2), in)
	assert.Equal(t, uint64(2), out)

	frames := h.conn.frames(t)
	require.Len(t, frames, 1)
	reply := frames[0]
	assert.Equal(t, tag.MsgTypeLogon, reply.MsgType())
	hb, _ := reply.GetString(tag.HeartBtInt)
	assert.Equal(t, "30", hb)
	assert.Equal(t, uint64(1), reply.SeqNum())

	assert.Equal(t, 1, h.app.logons)
}

func TestLogonHandshakeInitiator(t *testing.T) {
	h := newHarness(t, Initiator, 30*time.Second)
	h.connect()
	assert.Equal(t, StateLogonSent, h.s.State())

	frames := h.conn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, tag.MsgTypeLogon, frames[0].MsgType())

	h.deliver(h.inbound(t, 1, logonBody()...))
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, 1, h.app.logons)
}

func TestFirstMessageMustBeLogon(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()

	disconnected := h.deliver(h.inbound(t, 1,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))
	assert.True(t, disconnected)
	assert.True(t, h.conn.isClosed())
}

func TestGapTriggersResendRequest(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	// Sequence 5 arrives while 2..4 are missing.
	disconnected := h.deliver(h.inbound(t, 5,
		tagvalue.StringField(tag.MsgType, "D"),
		tagvalue.StringField(tag.ClOrdID, "late")))
	assert.False(t, disconnected)
	assert.Equal(t, StateResendRequested, h.s.State())

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeResendRequest, last.MsgType())
	begin, _ := last.GetString(tag.BeginSeqNo)
	end, _ := last.GetString(tag.EndSeqNo)
	assert.Equal(t, "2", begin)
	assert.Equal(t, "0", end)

	// Nothing is delivered until the gap closes.
	assert.Empty(t, h.app.delivered)
	in, _ := h.s.NextSeq()
	assert.Equal(t, uint64(2), in)

	// The missing messages arrive as possible duplicates.
	orig := field.UTCTimestampBytes(h.clock.Now())
	for seq := uint64(2); seq <= 4; seq++ {
		h.deliver(h.inbound(t, seq,
			tagvalue.StringField(tag.MsgType, "D"),
			tagvalue.BoolField(tag.PossDupFlag, true),
			tagvalue.Field{Tag: tag.OrigSendingTime, Value: orig},
			tagvalue.StringField(tag.ClOrdID, "replay")))
	}

	assert.Equal(t, StateActive, h.s.State())
	in, _ = h.s.NextSeq()
	assert.Equal(t, uint64(6), in)

	// Deliveries arrive in strict sequence order, queued 5 last.
	require.Len(t, h.app.delivered, 4)
	assert.Equal(t, uint64(5), h.app.delivered[3].SeqNum())
	v, _ := h.app.delivered[3].GetString(tag.ClOrdID)
	assert.Equal(t, "late", v)
}

func TestHeartbeatAndTestRequestTimers(t *testing.T) {
	h := newHarness(t, Acceptor, time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeLogon),
		tagvalue.IntField(tag.EncryptMethod, 0),
		tagvalue.UintField(tag.HeartBtInt, 1)))
	require.Equal(t, StateActive, h.s.State())
	baseline := len(h.conn.frames(t))

	// One quiet interval: a Heartbeat goes out.
	h.clock.Advance(time.Second)
	require.False(t, h.tick())
	frames := h.conn.frames(t)
	require.Len(t, frames, baseline+1)
	assert.Equal(t, tag.MsgTypeHeartbeat, frames[baseline].MsgType())

	// Another quiet second: inbound silence passes interval+grace.
	h.clock.Advance(time.Second)
	require.False(t, h.tick())
	frames = h.conn.frames(t)
	var testReq *tagvalue.Message
	for _, f := range frames[baseline:] {
		if f.MsgType() == tag.MsgTypeTestRequest {
			testReq = f
		}
	}
	require.NotNil(t, testReq, "TestRequest expected after idle inbound")
	id, ok := testReq.GetString(tag.TestReqID)
	require.True(t, ok)
	assert.NotEmpty(t, id)

	// Still silent one interval later: the session cuts the line.
	h.clock.Advance(time.Second)
	assert.True(t, h.tick())
	assert.True(t, h.conn.isClosed())
	assert.Equal(t, StateDisconnected, h.s.machine.state)
}

func TestHeartbeatAnswersTestRequest(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeTestRequest),
		tagvalue.StringField(tag.TestReqID, "ping-7")))

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeHeartbeat, last.MsgType())
	id, _ := last.GetString(tag.TestReqID)
	assert.Equal(t, "ping-7", id)
}

func TestSeqLowerWithoutPossDupIsFatal(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))
	h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))

	disconnected := h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))
	assert.True(t, disconnected)
	assert.True(t, h.conn.isClosed())
}

func TestSeqLowerWithPossDupIsIgnored(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))
	h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))

	disconnected := h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat),
		tagvalue.BoolField(tag.PossDupFlag, true),
		tagvalue.Field{Tag: tag.OrigSendingTime, Value: field.UTCTimestampBytes(h.clock.Now())}))
	assert.False(t, disconnected)
	in, _ := h.s.NextSeq()
	assert.Equal(t, uint64(3), in)
}

func TestSendingTimeSkewRejected(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	// Build a message whose SendingTime is 10 minutes stale.
	stale := h.clock.Now().Add(-10 * time.Minute)
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, "D"),
		tagvalue.UintField(tag.MsgSeqNum, 2),
		tagvalue.StringField(tag.SenderCompID, "B"),
		tagvalue.StringField(tag.TargetCompID, "A"),
		tagvalue.Field{Tag: tag.SendingTime, Value: field.UTCTimestampBytes(stale)},
	}
	msg, err := tagvalue.Decode(tagvalue.Encode("FIX.4.4", fields))
	require.NoError(t, err)

	h.deliver(msg)

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeReject, last.MsgType())
	reason, _ := last.GetString(tag.SessionRejectReason)
	assert.Equal(t, "10", reason)

	// The offending message still consumed its sequence number.
	in, _ := h.s.NextSeq()
	assert.Equal(t, uint64(3), in)
	assert.Empty(t, h.app.delivered)
}

func TestCompIDMismatch(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, "D"),
		tagvalue.UintField(tag.MsgSeqNum, 2),
		tagvalue.StringField(tag.SenderCompID, "EVIL"),
		tagvalue.StringField(tag.TargetCompID, "A"),
		tagvalue.Field{Tag: tag.SendingTime, Value: field.UTCTimestampBytes(h.clock.Now())},
	}
	msg, err := tagvalue.Decode(tagvalue.Encode("FIX.4.4", fields))
	require.NoError(t, err)

	disconnected := h.deliver(msg)
	assert.True(t, disconnected)

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeReject, last.MsgType())
	reason, _ := last.GetString(tag.SessionRejectReason)
	assert.Equal(t, "9", reason)
}

func TestSequenceResetResetForcesCounter(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	h.deliver(h.inbound(t, 99,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeSequenceReset),
		tagvalue.UintField(tag.NewSeqNo, 50)))

	in, _ := h.s.NextSeq()
	assert.Equal(t, uint64(50), in)
}

func TestGapFillBelowExpectedRejected(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))
	h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))
	h.deliver(h.inbound(t, 3,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeHeartbeat)))

	// NewSeqNo pointing backwards must be rejected with reason 5.
	h.deliver(h.inbound(t, 4,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeSequenceReset),
		tagvalue.BoolField(tag.GapFillFlag, true),
		tagvalue.UintField(tag.NewSeqNo, 2)))

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeReject, last.MsgType())
	reason, _ := last.GetString(tag.SessionRejectReason)
	assert.Equal(t, "5", reason)
}

func TestLogoutHandshake(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	disconnected := h.deliver(h.inbound(t, 2,
		tagvalue.StringField(tag.MsgType, tag.MsgTypeLogout)))
	assert.True(t, disconnected)

	frames := h.conn.frames(t)
	last := frames[len(frames)-1]
	assert.Equal(t, tag.MsgTypeLogout, last.MsgType())
	assert.True(t, h.conn.isClosed())
	assert.Equal(t, 1, h.app.logouts)
}

func TestOutboundSequenceNumbering(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.s.sendApp([]tagvalue.Field{
			tagvalue.StringField(tag.MsgType, "D"),
			tagvalue.StringField(tag.ClOrdID, "x"),
		}))
	}

	frames := h.conn.frames(t)
	var seqs []uint64
	for _, f := range frames {
		seqs = append(seqs, f.SeqNum())
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)

	// Every transmitted message is in the store.
	entries, err := h.st.GetRange(1, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestFIXTApplVerIDStamping(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	cfg := Settings{
		SenderCompID:     "A",
		TargetCompID:     "B",
		BeginString:      "FIXT.1.1",
		DefaultApplVerID: "9",
	}
	require.NoError(t, cfg.Validate())

	clock := &FakeClock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	app := &recordingApp{}
	s, err := newSession(cfg, Acceptor, st, nil, app, nil, clock)
	require.NoError(t, err)
	conn := newCaptureConn()
	s.transport = conn
	h := &harness{s: s, conn: conn, clock: clock, app: app, st: st}
	h.connect()

	// The counterparty negotiates FIX.5.0SP2 on Logon.
	fields := []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, tag.MsgTypeLogon),
		tagvalue.UintField(tag.MsgSeqNum, 1),
		tagvalue.StringField(tag.SenderCompID, "B"),
		tagvalue.StringField(tag.TargetCompID, "A"),
		tagvalue.Field{Tag: tag.SendingTime, Value: field.UTCTimestampBytes(clock.Now())},
		tagvalue.UintField(tag.HeartBtInt, 30),
		tagvalue.StringField(tag.DefaultApplVerID, "9"),
	}
	msg, err := tagvalue.Decode(tagvalue.Encode("FIXT.1.1", fields))
	require.NoError(t, err)
	h.deliver(msg)
	require.Equal(t, StateActive, s.State())

	// Outbound Logon carries 1137; application messages carry 1128.
	frames := conn.frames(t)
	reply := frames[0]
	ver, ok := reply.GetString(tag.DefaultApplVerID)
	require.True(t, ok)
	assert.Equal(t, "9", ver)

	require.NoError(t, s.sendApp([]tagvalue.Field{
		tagvalue.StringField(tag.MsgType, "D"),
	}))
	frames = conn.frames(t)
	last := frames[len(frames)-1]
	appVer, ok := last.GetString(tag.ApplVerID)
	require.True(t, ok)
	assert.Equal(t, "9", appVer)
}

type failingStore struct {
	store.Store
	failAt uint64
}

func (f *failingStore) Append(seq uint64, frame []byte) error {
	if seq == f.failAt {
		return errors.New("disk full")
	}
	return f.Store.Append(seq, frame)
}

func TestStoreFailureDoesNotReachWire(t *testing.T) {
	h := newHarness(t, Acceptor, 30*time.Second)
	fs := &failingStore{Store: h.st, failAt: 2}
	h.s.store = fs
	h.connect()
	h.deliver(h.inbound(t, 1, logonBody()...))

	before := len(h.conn.frames(t))
	err := h.s.sendApp([]tagvalue.Field{
		tagvalue.StringField(tag.MsgType, "D"),
	})
	require.Error(t, err)

	// Nothing reached the transport and next_out did not advance.
	assert.Len(t, h.conn.frames(t), before)
	_, out := h.s.NextSeq()
	assert.Equal(t, uint64(2), out)

	// The next send reuses the rolled-back sequence.
	fs.failAt = 0
	require.NoError(t, h.s.sendApp([]tagvalue.Field{
		tagvalue.StringField(tag.MsgType, "D"),
	}))
	frames := h.conn.frames(t)
	assert.Equal(t, uint64(2), frames[len(frames)-1].SeqNum())
}
