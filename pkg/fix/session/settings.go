package session

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"fixengine/pkg/fix/tag"
)

// Role distinguishes the side that dials from the side that listens.
type Role int

const (
	// Acceptor waits for the counterparty's Logon.
	Acceptor Role = iota
	// Initiator connects and sends the first Logon.
	Initiator
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "acceptor"
}

// Settings configures one session. A session is identified by the
// (BeginString, SenderCompID, TargetCompID) triple plus role.
type Settings struct {
	SenderCompID string `validate:"required"`
	TargetCompID string `validate:"required"`
	BeginString  string `validate:"required"`

	// HeartbeatInterval is HeartBtInt (tag 108). Acceptors adopt the
	// initiator's value from the inbound Logon.
	HeartbeatInterval time.Duration `validate:"min=0"`

	// ResetOnLogon makes an initiator restart both counters at 1 and send
	// ResetSeqNumFlag=Y on Logon. An inbound ResetSeqNumFlag=Y is honoured
	// whatever this setting says.
	ResetOnLogon bool

	// SendingTimeTolerance is the accepted skew on tag 52.
	SendingTimeTolerance time.Duration

	// MaxMessageSize bounds the declared BodyLength of inbound frames.
	MaxMessageSize int

	// StoreDir is the directory for file-backed stores, when used.
	StoreDir string

	LogonTimeout  time.Duration
	LogoutTimeout time.Duration

	// DefaultApplVerID (tag 1137) is required for FIXT.1.1 sessions.
	DefaultApplVerID string

	// Optional credentials carried on Logon (tags 553/554).
	Username string
	Password string
}

var validate = validator.New()

// Validate checks the settings and fills defaults.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("session: invalid settings: %w", err)
	}
	if !tag.SupportedBeginString(s.BeginString) {
		return fmt.Errorf("session: unsupported BeginString %q", s.BeginString)
	}
	if s.BeginString == tag.BeginStringFIXT11 && s.DefaultApplVerID == "" {
		return fmt.Errorf("session: FIXT.1.1 requires DefaultApplVerID")
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.SendingTimeTolerance == 0 {
		s.SendingTimeTolerance = 120 * time.Second
	}
	if s.LogonTimeout == 0 {
		s.LogonTimeout = 10 * time.Second
	}
	if s.LogoutTimeout == 0 {
		s.LogoutTimeout = 10 * time.Second
	}
	return nil
}

// ID renders the session identity the way logs and store files key it.
func (s Settings) ID() string {
	return s.BeginString + ":" + s.SenderCompID + "->" + s.TargetCompID
}
