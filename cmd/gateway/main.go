// Command gateway drives the Discord-style gateway connection core
// against a configurable URL, printing every dispatched event it
// receives. It exists to exercise internal/gateway end to end, the
// way the teacher's cmd/kv exercises its RPC client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/internal/gateway"
	"github.com/relaykv/relaykv/internal/logging"
)

var log = logging.Get("gateway-cli")

var (
	gatewayURL string
	identify   string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Drive the gateway connection core against a URL",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&gatewayURL, "url", "ws://localhost:3000/gateway", "Gateway WebSocket URL")
	rootCmd.Flags().StringVar(&identify, "identify", `{}`, "JSON identify payload sent on op=2")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	conn := gateway.New(gateway.Config{
		URL:      gatewayURL,
		Identify: json.RawMessage(identify),
		OnDispatch: func(eventType string, data json.RawMessage) {
			log.Infof("dispatch %s: %s", eventType, string(data))
		},
		OnDisconnect: func(err error) {
			log.Warnf("disconnected: %v", err)
		},
	})

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: connect: %w", err)
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down")
	return nil
}
