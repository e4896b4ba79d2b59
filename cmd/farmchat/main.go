package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/kisan-chat/backend/internal/client/api"
	"github.com/zhouzirui/kisan-chat/backend/internal/client/history"
)

type options struct {
	server         string
	historyBackend string
	historyPath    string
	language       string
	timeout        time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "farmchat",
		Short: "Terminal client for the Kisan farmer advisory chat",
		Long: `farmchat opens an interactive chat with the Kisan advisory server.
Type a question and press enter. Commands start with a slash, /help lists them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openHistory()
			if err != nil {
				return err
			}
			defer closeStore()
			return runREPL(cmd.Context(), opts, api.New(opts.server, opts.timeout), store)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOrDefault("FARMCHAT_SERVER", "http://localhost:5000"), "chat server base URL")
	flags.StringVar(&opts.historyBackend, "history-backend", envOrDefault("FARMCHAT_HISTORY_BACKEND", "bolt"), "local history storage: bolt, sqlite or memory")
	flags.StringVar(&opts.historyPath, "history-path", envOrDefault("FARMCHAT_HISTORY_PATH", defaultHistoryPath()), "local history database file")
	flags.StringVar(&opts.language, "language", envOrDefault("FARMCHAT_LANGUAGE", "auto"), "language hint sent with each message")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "HTTP timeout per request")

	root.AddCommand(newHistoryCmd(opts), newHealthCmd(opts))
	return root
}

func (o *options) openHistory() (*history.Store, func(), error) {
	kv, err := history.Open(o.historyBackend, o.historyPath)
	if err != nil {
		return nil, nil, err
	}
	return history.NewStore(kv), func() { _ = kv.Close() }, nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".farmchat", "history.db")
}

func envOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
