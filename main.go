package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fixengine/cmd/server"
)

var rootCmd = &cobra.Command{
	Use:   "fixengine",
	Short: "FIX protocol engine",
	Long:  "FIX protocol engine: session layer, tag=value codec and message stores for FIX.4.0 through FIX.5.0SP2.",
}

func init() {
	// A missing .env is fine; the environment may be set by the container.
	_ = godotenv.Load()

	rootCmd.AddCommand(server.AcceptorCmd)
	rootCmd.AddCommand(server.InitiatorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
