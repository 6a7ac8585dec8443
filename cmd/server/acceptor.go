package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fixengine/internal/ordermatch"
	"fixengine/pkg/fix/engine"
	"fixengine/pkg/fix/session"
	"fixengine/pkg/kafka/producer"
	"fixengine/pkg/metrics"
)

// AcceptorCmd starts the FIX acceptor with the sample order-matching
// application.
var AcceptorCmd = &cobra.Command{
	Use:     "acceptor",
	Short:   "Start a FIX acceptor",
	Long:    "Start a FIX acceptor serving the configured sessions.",
	Aliases: []string{"oms"},
	RunE:    runAcceptor,
}

func runAcceptor(cmd *cobra.Command, args []string) error {
	log := logger()
	defer log.Sync()

	settings, err := settingsFromEnv()
	if err != nil {
		return err
	}
	factory, err := storeFactory(log)
	if err != nil {
		return err
	}

	app := ordermatch.NewApplication(log)

	st, err := factory.Create(settings.ID())
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := session.New(settings, session.Acceptor, st, nil, app, log)
	if err != nil {
		return err
	}
	app.Register(sess)

	if broker := os.Getenv("KAFKA_BROKER"); broker != "" {
		p, err := producer.NewProducer(nil, log)
		if err != nil {
			return err
		}
		defer p.Close()
		sess.SetTap(producer.NewDropCopyTap(p, "FIX_DROPCOPY_IN", "FIX_DROPCOPY_OUT", log))
	}

	acceptor := engine.NewAcceptor(fixAddr(), log)
	acceptor.AddSession(sess)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go serveOps(log, acceptor.Sessions)
	go func() {
		if err := metrics.ListenAndServeMetrics(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		<-interrupt
		log.Info("shutting down")
		cancel()
	}()

	return acceptor.Start(ctx)
}

// serveOps exposes the gin operations API on OPS_PORT (default 8080).
func serveOps(log *zap.Logger, sessions func() []*session.Session) {
	mode := os.Getenv("NODE_ENV")
	if mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	NewStatusHandler(r, sessions)

	port := os.Getenv("OPS_PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Error("ops server failed", zap.Error(err))
	}
}

func fixAddr() string {
	port := os.Getenv("FIX_PORT")
	if port == "" {
		port = "9878"
	}
	return ":" + port
}

// settingsFromEnv builds the session settings the daemon serves.
func settingsFromEnv() (session.Settings, error) {
	settings := session.Settings{
		SenderCompID: os.Getenv("SENDER_COMP_ID"),
		TargetCompID: os.Getenv("TARGET_COMP_ID"),
		BeginString:  os.Getenv("BEGIN_STRING"),
		StoreDir:     os.Getenv("STORE_DIR"),
	}
	if settings.BeginString == "" {
		settings.BeginString = "FIX.4.4"
	}
	if raw := os.Getenv("HEARTBT_INT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err == nil {
			settings.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}
	if os.Getenv("RESET_ON_LOGON") == "true" {
		settings.ResetOnLogon = true
	}
	settings.DefaultApplVerID = os.Getenv("DEFAULT_APPL_VER_ID")
	err := settings.Validate()
	return settings, err
}
