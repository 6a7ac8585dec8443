package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	s := Settings{SenderCompID: "A", TargetCompID: "B", BeginString: "FIX.4.4"}
	require.NoError(t, s.Validate())

	assert.Equal(t, 30*time.Second, s.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, s.SendingTimeTolerance)
	assert.Equal(t, 10*time.Second, s.LogonTimeout)
	assert.Equal(t, 10*time.Second, s.LogoutTimeout)
	assert.Equal(t, "FIX.4.4:A->B", s.ID())
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		s    Settings
	}{
		{"missing sender", Settings{TargetCompID: "B", BeginString: "FIX.4.4"}},
		{"missing target", Settings{SenderCompID: "A", BeginString: "FIX.4.4"}},
		{"unsupported dialect", Settings{SenderCompID: "A", TargetCompID: "B", BeginString: "FIX.9.9"}},
		{"fixt without applverid", Settings{SenderCompID: "A", TargetCompID: "B", BeginString: "FIXT.1.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.s.Validate())
		})
	}
}

func TestSettingsFIXT(t *testing.T) {
	s := Settings{
		SenderCompID:     "A",
		TargetCompID:     "B",
		BeginString:      "FIXT.1.1",
		DefaultApplVerID: "9", // FIX.5.0SP2
	}
	require.NoError(t, s.Validate())
}
