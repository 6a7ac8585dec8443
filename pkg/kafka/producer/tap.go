package producer

import "go.uber.org/zap"

// DropCopyTap publishes sequenced application traffic to Kafka, one topic
// per direction. Publishing failures are logged and swallowed, so the
// session never sees them. Each publish is a synchronous send on the
// calling session's goroutine, which waits until the broker answers.
type DropCopyTap struct {
	producer *Producer
	inTopic  string
	outTopic string
	log      *zap.Logger
}

// NewDropCopyTap builds a tap over an existing producer.
func NewDropCopyTap(p *Producer, inTopic, outTopic string, log *zap.Logger) *DropCopyTap {
	if log == nil {
		log = zap.NewNop()
	}
	return &DropCopyTap{producer: p, inTopic: inTopic, outTopic: outTopic, log: log.Named("dropcopy")}
}

// OnInbound implements session.Tap.
func (t *DropCopyTap) OnInbound(sessionID string, frame []byte) {
	if err := t.producer.Publish(t.inTopic, sessionID, frame); err != nil {
		t.log.Warn("drop-copy publish failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// OnOutbound implements session.Tap.
func (t *DropCopyTap) OnOutbound(sessionID string, frame []byte) {
	if err := t.producer.Publish(t.outTopic, sessionID, frame); err != nil {
		t.log.Warn("drop-copy publish failed", zap.String("session", sessionID), zap.Error(err))
	}
}
