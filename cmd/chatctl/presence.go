package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/waveline/chatsync"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Watch presence updates",
	Long:  "Connect and print presence updates as they arrive. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, transport := newSession()
		defer session.Close()

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := session.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		sub := transport.On(chatsync.EventPresenceUpdate, func(_ string, payload json.RawMessage) {
			var p chatsync.PresencePayload
			if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
				return
			}
			status := "offline"
			if p.Online {
				status = "online"
			}
			fmt.Printf("[%s] %s is %s\n", time.Now().Format("15:04:05"), p.UserID, status)
		})
		defer sub.Unsubscribe()

		fmt.Println("Watching presence updates (Ctrl-C to stop)...")
		<-ctx.Done()
		return nil
	},
}
