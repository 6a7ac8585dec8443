package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fixengine/pkg/fix/session"
	"fixengine/pkg/utils"
)

type sessionStatus struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	NextIn  uint64 `json:"next_in"`
	NextOut uint64 `json:"next_out"`
}

// NewStatusHandler mounts the operations API: session list with state and
// sequence counters.
func NewStatusHandler(r *gin.Engine, sessions func() []*session.Session) {
	r.GET("/api/sessions", func(c *gin.Context) {
		list := sessions()
		out := make([]sessionStatus, 0, len(list))
		for _, s := range list {
			in, outSeq := s.NextSeq()
			out = append(out, sessionStatus{
				ID:      s.ID(),
				State:   s.State().String(),
				NextIn:  in,
				NextOut: outSeq,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"serverTime": utils.FIXTimestamp(time.Now()),
			"sessions":   out,
		})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "Ok")
	})
}
