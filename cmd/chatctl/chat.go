package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/waveline/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open a conversation: prints recent history, tails live messages, and sends\n" +
		"lines typed on stdin. Commands: /earlier loads older history, /who shows\n" +
		"who is typing, /retry <local-id> re-sends a failed message, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

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

		engine, err := session.Open(ctx, conversationID)
		if err != nil {
			var fe *chatsync.TransientFetchError
			if engine == nil || !errors.As(err, &fe) {
				return fmt.Errorf("open failed: %w", err)
			}
			fmt.Fprintf(os.Stderr, "History unavailable (%v); showing live messages only.\n", err)
		}
		defer session.CloseConversation(conversationID)

		engine.OnSendFailed(func(localID string, err error) {
			fmt.Printf("!! send failed (%s): %v. /retry %s to re-send\n", localID, err, localID)
		})

		self := session.CurrentUserID()
		for _, m := range engine.Messages() {
			printMessage(m, self)
		}
		if engine.HasMore() {
			fmt.Println("-- /earlier to load older messages --")
		}

		// Tail remote messages straight off the transport; our own sends are
		// echoed at the prompt when they confirm.
		sub := transport.On(chatsync.EventMessageNew, func(_ string, payload json.RawMessage) {
			var p chatsync.InboundMessagePayload
			if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID != conversationID {
				return
			}
			if p.SenderID == self {
				return
			}
			printMessage(p.Message(), self)
		})
		defer sub.Unsubscribe()

		typingSub := transport.On(chatsync.EventTypingStart, func(_ string, payload json.RawMessage) {
			var p chatsync.TypingPayload
			if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID != conversationID || p.UserID == self {
				return
			}
			fmt.Printf("... %s is typing\n", p.UserID)
		})
		defer typingSub.Unsubscribe()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nbye")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handleLine(ctx, session, engine, line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			}
		}
	},
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, session *chatsync.Session, engine *chatsync.Engine, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch {
	case line == "/quit":
		return errQuit

	case line == "/earlier":
		anchor, err := engine.LoadEarlier(ctx)
		if err != nil {
			return err
		}
		if anchor.MessageID == "" {
			fmt.Println("-- no earlier messages --")
			return nil
		}
		for _, m := range engine.Messages() {
			printMessage(m, session.CurrentUserID())
		}
		return nil

	case line == "/who":
		users := session.TypingUsers(engine.ConversationID())
		if len(users) == 0 {
			fmt.Println("nobody is typing")
			return nil
		}
		fmt.Printf("typing: %s\n", strings.Join(users, ", "))
		return nil

	case strings.HasPrefix(line, "/retry "):
		localID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		return engine.Retry(ctx, localID)

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])
	}

	engine.TypingActivity(ctx)
	localID, err := engine.Send(ctx, line, "text")
	if err != nil {
		return err
	}
	fmt.Printf("you (%s): %s\n", localID[:8], line)
	return nil
}

func printMessage(m chatsync.Message, self string) {
	sender := m.SenderID
	if sender == self {
		sender = "you"
	}
	marker := ""
	switch m.DeliveryState {
	case chatsync.DeliveryPending:
		marker = " (sending)"
	case chatsync.DeliveryFailed:
		marker = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), sender, m.Content, marker)
}
