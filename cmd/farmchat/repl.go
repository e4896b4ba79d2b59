package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/zhouzirui/kisan-chat/backend/internal/client/api"
	clientchat "github.com/zhouzirui/kisan-chat/backend/internal/client/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/client/history"
	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

const helpText = `Commands:
  /attach <path>   stage a photo, audio or video file (max 5)
  /detach <n>      remove staged file n
  /files           list staged files
  /new             start a new conversation
  /history         list saved conversations
  /load <n>        reopen saved conversation n
  /clear-history   delete all saved conversations
  /lang <code>     set language hint (auto, en, hi, ta, bn, kn, ml, te, gu, mr, pa)
  /help            show this help
  /quit            save and exit`

var slashCommands = []string{
	"/attach ", "/detach ", "/files", "/new", "/history", "/load ", "/clear-history", "/lang ", "/help", "/quit",
}

// terminalView renders the conversation as plain text lines.
type terminalView struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out}
}

func (v *terminalView) RenderMessage(msg chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	label := "you"
	if msg.Role == chat.RoleAssistant {
		label = "advisor"
	}
	if msg.Content != "" {
		fmt.Fprintf(v.out, "%s> %s\n", label, msg.Content)
	}
	for _, a := range msg.Attachments {
		fmt.Fprintf(v.out, "%s> [%s] %s %s\n", label, a.Kind(), a.Filename, a.URL)
	}
}

func (v *terminalView) Composing(on bool) {
	if !on {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, "advisor is typing...")
}

func (v *terminalView) Notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "! %s\n", text)
}

func (v *terminalView) Reset(banner string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "\n%s\n\n", banner)
}

// repl binds controller operations to typed lines.
type repl struct {
	ctrl    *clientchat.Controller
	store   *history.Store
	view    *terminalView
	confirm func(string) bool
}

var errQuit = errors.New("quit")

// handle runs one input line. It returns errQuit when the user asks to leave.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		err := r.ctrl.Send(ctx, line)
		if errors.Is(err, clientchat.ErrBusy) {
			r.view.Notice("Please wait for the current reply.")
		}
		return nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/attach":
		if arg == "" {
			r.view.Notice("usage: /attach <path>")
			return nil
		}
		if _, err := os.Stat(arg); err != nil {
			r.view.Notice(fmt.Sprintf("cannot read %s: %v", arg, err))
			return nil
		}
		if err := r.ctrl.Stage(api.FileFromPath(arg)); err == nil {
			r.view.Notice(fmt.Sprintf("attached %s (%d/%d)", arg, len(r.ctrl.Staged()), clientchat.MaxStaged))
		}
	case "/detach":
		n, err := strconv.Atoi(arg)
		if err != nil {
			r.view.Notice("usage: /detach <n>")
			return nil
		}
		if err := r.ctrl.Unstage(n - 1); err != nil {
			r.view.Notice(err.Error())
		}
	case "/files":
		staged := r.ctrl.Staged()
		if len(staged) == 0 {
			r.view.Notice("no files attached")
		}
		for i, f := range staged {
			r.view.Notice(fmt.Sprintf("%d. %s (%s)", i+1, f.Filename, f.ContentType))
		}
	case "/new":
		if _, err := r.ctrl.NewChat(ctx, r.confirm); err != nil {
			r.view.Notice(err.Error())
		}
	case "/history":
		r.view.mu.Lock()
		printHistoryList(r.view.out, r.store.LoadAll())
		r.view.mu.Unlock()
	case "/load":
		n, err := strconv.Atoi(arg)
		if err != nil {
			r.view.Notice("usage: /load <n>")
			return nil
		}
		if err := r.ctrl.LoadHistory(ctx, n-1); err != nil {
			r.view.Notice(err.Error())
		}
	case "/clear-history":
		if r.confirm(clientchat.ConfirmClearHistory) {
			if err := r.store.ClearAll(); err != nil {
				r.view.Notice(err.Error())
			} else {
				r.view.Notice("History cleared.")
			}
		}
	case "/lang":
		r.ctrl.SetLanguage(arg)
		r.view.Notice(clientchat.PlaceholderFor(r.ctrl.Language()))
	case "/help":
		r.view.Notice(helpText)
	case "/quit", "/exit":
		return errQuit
	default:
		r.view.Notice(fmt.Sprintf("unknown command %s, try /help", name))
	}
	return nil
}

func runREPL(ctx context.Context, opts *options, client *api.Client, store *history.Store) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range slashCommands {
			if strings.HasPrefix(c, input) {
				out = append(out, c)
			}
		}
		sort.Strings(out)
		return out
	})

	view := newTerminalView(os.Stdout)
	ctrl := clientchat.NewController(client, store, view)
	ctrl.SetLanguage(opts.language)
	defer ctrl.Flush()

	r := &repl{
		ctrl:  ctrl,
		store: store,
		view:  view,
		confirm: func(prompt string) bool {
			answer, err := line.Prompt(prompt + " [y/N] ")
			if err != nil {
				return false
			}
			answer = strings.ToLower(strings.TrimSpace(answer))
			return answer == "y" || answer == "yes"
		},
	}

	view.Reset(clientchat.WelcomeBanner)
	view.Notice("type /help for commands")

	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt(clientchat.PlaceholderFor(ctrl.Language()) + " ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		if err := r.handle(ctx, input); errors.Is(err, errQuit) {
			return nil
		}
	}
}
