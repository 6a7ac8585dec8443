package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionLabels = []string{"session"}

	MessageInCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_message_in_counter",
		Help: "The total number of inbound FIX messages by type",
	}, []string{"session", "msg_type"})

	MessageOutCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_message_out_counter",
		Help: "The total number of outbound FIX messages",
	}, sessionLabels)

	MessageDeliveredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_message_delivered_counter",
		Help: "The total number of application messages handed to the app",
	}, sessionLabels)

	ResendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_resend_counter",
		Help: "The total number of replayed messages and gap fills",
	}, sessionLabels)

	RejectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_reject_counter",
		Help: "The total number of session-level rejects emitted",
	}, sessionLabels)

	DisconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_disconnect_counter",
		Help: "The total number of disconnects by reason",
	}, []string{"session", "reason"})

	SessionErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_session_error_counter",
		Help: "The total number of session errors by kind",
	}, []string{"session", "kind"})

	RoundTripHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "fix_test_request_round_trip",
		Help: "TestRequest to Heartbeat round trip in microseconds",
	})
)

var (
	roundTrips      map[string]uint64
	roundTripsMutex sync.RWMutex
)

func genRoundTripKey(sessionID, testReqID string) string {
	return fmt.Sprintf("%s-%s", sessionID, testReqID)
}

func cleanUpRoundTrip(key string) {
	roundTripsMutex.Lock()
	defer roundTripsMutex.Unlock()

	delete(roundTrips, key)
}

// StartRoundTrip records the send time of a TestRequest.
func StartRoundTrip(sessionID, testReqID string) {
	roundTripsMutex.Lock()
	defer roundTripsMutex.Unlock()

	if roundTrips == nil {
		roundTrips = make(map[string]uint64)
	}
	roundTrips[genRoundTripKey(sessionID, testReqID)] = uint64(time.Now().UnixMicro())
}

// EndRoundTrip observes the matching Heartbeat.
func EndRoundTrip(sessionID, testReqID string) {
	key := genRoundTripKey(sessionID, testReqID)

	roundTripsMutex.RLock()
	start, ok := roundTrips[key]
	roundTripsMutex.RUnlock()
	if !ok {
		return
	}

	end := uint64(time.Now().UnixMicro())
	RoundTripHistogram.Observe(float64(end - start))

	cleanUpRoundTrip(key)
}
