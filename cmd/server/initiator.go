package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fixengine/internal/ordermatch"
	"fixengine/pkg/fix/engine"
	"fixengine/pkg/fix/session"
)

// InitiatorCmd starts a FIX initiator dialing the configured counterparty.
var InitiatorCmd = &cobra.Command{
	Use:   "initiator",
	Short: "Start a FIX initiator",
	Long:  "Start a FIX initiator that connects out and keeps the session alive.",
	RunE:  runInitiator,
}

func runInitiator(cmd *cobra.Command, args []string) error {
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
	st, err := factory.Create(settings.ID())
	if err != nil {
		return err
	}
	defer st.Close()

	app := ordermatch.NewApplication(log)
	sess, err := session.New(settings, session.Initiator, st, nil, app, log)
	if err != nil {
		return err
	}
	app.Register(sess)

	addr := os.Getenv("FIX_REMOTE_ADDR")
	if addr == "" {
		addr = "localhost:9878"
	}
	initiator := engine.NewInitiator(addr, sess, log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		<-interrupt
		log.Info("shutting down")
		cancel()
	}()

	err = initiator.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	if err != nil {
		log.Error("initiator stopped", zap.Error(err))
	}
	return err
}
