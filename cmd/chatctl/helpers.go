package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	chatsync "github.com/waveline/chatsync"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// newSession builds a session from the stored configuration. The transport
// is created but not yet connected.
func newSession() (*chatsync.Session, *chatsync.WSTransport) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.BaseURL == "" || cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not configured. Run 'chatctl init <base-url> <token> <user-id>' first.")
		os.Exit(1)
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}

	transport := chatsync.NewWSTransport(chatsync.WSConfig{
		URL:           cfg.Server.BaseURL,
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
		Logger:        logger,
	})
	rest := chatsync.NewRESTClient(cfg.Server.BaseURL,
		chatsync.WithRESTToken(cfg.Auth.Token),
		chatsync.WithRESTLogger(logger))

	opts := []chatsync.SessionOption{chatsync.WithLogger(logger)}
	if cfg.Chat.PageSize > 0 {
		opts = append(opts, chatsync.WithPageSize(cfg.Chat.PageSize))
	}

	return chatsync.NewSession(transport, rest, chatsync.StaticIdentity(cfg.Auth.UserID), opts...), transport
}
