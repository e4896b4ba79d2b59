package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/kisan-chat/backend/internal/client/api"
	clientchat "github.com/zhouzirui/kisan-chat/backend/internal/client/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/client/history"
)

func newHistoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear locally saved conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openHistory()
			if err != nil {
				return err
			}
			defer closeStore()
			printHistoryList(cmd.OutOrStdout(), store.LoadAll())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <n>",
		Short: "Print saved conversation number n",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid conversation number %q", args[0])
			}
			store, closeStore, err := opts.openHistory()
			if err != nil {
				return err
			}
			defer closeStore()

			record, ok := store.LoadOne(n - 1)
			if !ok {
				return clientchat.ErrNoSuchConversation
			}
			view := newTerminalView(cmd.OutOrStdout())
			for _, msg := range record.Messages {
				view.RenderMessage(msg)
			}
			return nil
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirmFrom(cmd.InOrStdin(), cmd.OutOrStdout())(clientchat.ConfirmClearHistory) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			store, closeStore, err := opts.openHistory()
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.ClearAll(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.AddCommand(clearCmd)

	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the chat server is up and has a backend configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := api.New(opts.server, opts.timeout).Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:   %s\n", health.Status)
			fmt.Fprintf(out, "provider: %s\n", health.Provider)
			fmt.Fprintf(out, "backend:  %t\n", health.BackendConfigured || health.GeminiConfigured)
			fmt.Fprintf(out, "time:     %s\n", health.Timestamp)
			return nil
		},
	}
}

func printHistoryList(out io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No chat history yet.")
		return
	}
	for i, r := range records {
		fmt.Fprintf(out, "%2d. %s  %s  (%d messages)\n", i+1, r.Timestamp.Local().Format("02 Jan 2006 15:04"), r.Preview, len(r.Messages))
	}
}

// confirmFrom asks a yes/no question on out and reads the answer from in.
func confirmFrom(in io.Reader, out io.Writer) func(string) bool {
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(out, "%s [y/N] ", prompt)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}
