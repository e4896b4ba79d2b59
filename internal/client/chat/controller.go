// Package chat drives one interactive conversation on the client: staging
// attachments, sending turns, and flushing finished chats to local history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/kisan-chat/backend/internal/client/api"
	"github.com/zhouzirui/kisan-chat/backend/internal/client/history"
	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

const (
	// MaxStaged is the number of attachments a single message may carry.
	MaxStaged = 5
	// SaveDelay debounces history writes after each reply.
	SaveDelay = 2 * time.Second

	FallbackReply        = "माफ करें, कुछ तकनीकी समस्या हुई है। कृपया दोबारा कोशिश करें। / Sorry, there was a technical issue. Please try again."
	ConfirmNewChat       = "शुरू नई बातचीत? / Start new conversation? This will save current chat to history."
	ConfirmClearHistory  = "सभी चैट इतिहास साफ़ करें? / Clear all chat history? This cannot be undone."
	TooManyFilesNotice   = "You can attach at most 5 files per message."
	WelcomeBanner        = "नमस्ते किसान भाई! 🙏 Welcome, farmer friend! Ask about crops, pests, irrigation, soil or weather."
	loadedBannerTemplate = "नमस्ते किसान भाई! 🙏 Loaded chat from %s"
)

var (
	ErrTooManyAttachments = errors.New("at most 5 attachments per message")
	ErrBusy               = errors.New("a message is already being sent")
	ErrNoSuchConversation = errors.New("no saved conversation at that position")
)

// Placeholder is the input prompt per language code.
var Placeholder = map[string]string{
	"auto": "Type your farming question in any language...",
	"en":   "Ask your farming question...",
	"hi":   "अपना खेती का सवाल पूछें...",
	"ta":   "உங்கள் விவசாய கேள்வியைக் கேளுங்கள்...",
	"bn":   "আপনার কৃষি প্রশ্ন জিজ্ঞাসা করুন...",
	"kn":   "ನಿಮ್ಮ ಕೃಷಿ ಪ್ರಶ್ನೆಯನ್ನು ಕೇಳಿ...",
	"ml":   "നിങ്ങളുടെ കൃഷി ചോദ്യം ചോദിക്കുക...",
	"te":   "మీ వ్యవసాయ ప్రశ్న అడగండి...",
	"gu":   "તમારો ખેતીનો પ્રશ્ન પૂછો...",
	"mr":   "तुमचा शेतीचा प्रश्न विचारा...",
	"pa":   "ਆਪਣਾ ਖੇਤੀ ਸਵਾਲ ਪੁੱਛੋ...",
}

// PlaceholderFor falls back to the auto-detect prompt for unknown codes.
func PlaceholderFor(language string) string {
	if p, ok := Placeholder[language]; ok {
		return p
	}
	return Placeholder["auto"]
}

// Backend is the subset of the relay API the controller uses.
type Backend interface {
	Chat(ctx context.Context, req api.ChatRequest) (*api.ChatReply, error)
	NewChat(ctx context.Context, sessionID string) error
}

// History is where finished conversations are flushed.
type History interface {
	SaveCurrent(messages []chat.Message) error
	LoadOne(index int) (history.Record, bool)
}

// Renderer displays the conversation.
type Renderer interface {
	RenderMessage(msg chat.Message)
	Composing(on bool)
	Notice(text string)
	Reset(banner string)
}

// Controller owns the active conversation.
type Controller struct {
	mu        sync.Mutex
	backend   Backend
	history   History
	view      Renderer
	log       []chat.Message
	staged    []api.File
	sessionID string
	language  string
	busy      bool
	saveTimer *time.Timer
	saveDelay time.Duration
	now       func() time.Time
}

// NewController starts with an empty conversation and a fresh session id.
func NewController(backend Backend, hist History, view Renderer) *Controller {
	c := &Controller{
		backend:   backend,
		history:   hist,
		view:      view,
		language:  "auto",
		saveDelay: SaveDelay,
		now:       time.Now,
	}
	c.sessionID = chat.NewSessionID(c.now())
	return c
}

// SessionID returns the id the next turn is sent under.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a copy of the active log.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.CloneMessages(c.log)
}

// SetLanguage sets the hint sent with every turn.
func (c *Controller) SetLanguage(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == "" {
		code = "auto"
	}
	c.language = code
}

// Language returns the current language hint.
func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Stage queues a file for the next message.
func (c *Controller) Stage(f api.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.staged) >= MaxStaged {
		c.view.Notice(TooManyFilesNotice)
		return ErrTooManyAttachments
	}
	c.staged = append(c.staged, f)
	return nil
}

// Unstage removes the staged file at index.
func (c *Controller) Unstage(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.staged) {
		return fmt.Errorf("no staged file at position %d", index+1)
	}
	c.staged = append(c.staged[:index], c.staged[index+1:]...)
	return nil
}

// Staged returns the queued files.
func (c *Controller) Staged() []api.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.File(nil), c.staged...)
}

// Send posts text with the staged files. A failed request is rendered as the
// fallback apology, appended to the log with Fallback set, and returned.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if text == "" && len(c.staged) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.busy = true

	files := c.staged
	c.staged = nil
	userMsg := chat.Message{
		ID:          uuid.NewString(),
		Role:        chat.RoleUser,
		Content:     text,
		Attachments: localAttachments(files),
		Timestamp:   c.now().UTC(),
	}
	c.log = append(c.log, userMsg)
	c.view.RenderMessage(userMsg)
	req := api.ChatRequest{
		Message:   text,
		SessionID: c.sessionID,
		Language:  c.language,
		Files:     files,
	}
	c.mu.Unlock()

	c.view.Composing(true)
	reply, err := c.backend.Chat(ctx, req)
	c.view.Composing(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if err != nil {
		log.Printf("[chat] send failed session=%s: %v", req.SessionID, err)
		fallback := chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleAssistant,
			Content:   FallbackReply,
			Timestamp: c.now().UTC(),
			Fallback:  true,
		}
		c.log = append(c.log, fallback)
		c.view.RenderMessage(fallback)
		return err
	}

	assistantMsg := chat.Message{
		ID:          uuid.NewString(),
		Role:        chat.RoleAssistant,
		Content:     reply.Response,
		Attachments: reply.Files,
		Timestamp:   c.now().UTC(),
	}
	c.log = append(c.log, assistantMsg)
	c.view.RenderMessage(assistantMsg)
	c.scheduleSaveLocked()
	return nil
}

// NewChat flushes the active log to history and starts over with a new
// session id. When the log is non-empty confirm is asked first; a false
// answer leaves everything untouched.
func (c *Controller) NewChat(ctx context.Context, confirm func(prompt string) bool) (bool, error) {
	if len(c.Messages()) > 0 && confirm != nil && !confirm(ConfirmNewChat) {
		return false, nil
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return false, ErrBusy
	}
	c.flushLocked()
	previous := c.sessionID
	c.log = nil
	c.staged = nil
	c.sessionID = chat.NewSessionID(c.now())
	c.view.Reset(WelcomeBanner)
	c.mu.Unlock()

	c.forgetSession(ctx, previous)
	return true, nil
}

// LoadHistory replaces the active log with the saved record at index. The
// record gets a fresh session id; the server is told to drop the previous one.
func (c *Controller) LoadHistory(ctx context.Context, index int) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	record, ok := c.history.LoadOne(index)
	if !ok {
		c.mu.Unlock()
		return ErrNoSuchConversation
	}

	c.flushLocked()
	previous := c.sessionID
	c.log = chat.CloneMessages(record.Messages)
	c.staged = nil
	c.sessionID = chat.NewSessionID(c.now())

	c.view.Reset(fmt.Sprintf(loadedBannerTemplate, record.Timestamp.Local().Format("02/01/2006")))
	for _, msg := range c.log {
		c.view.RenderMessage(msg)
	}
	c.mu.Unlock()

	c.forgetSession(ctx, previous)
	return nil
}

// Flush cancels any pending debounced save and writes the active log now.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Controller) flushLocked() {
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	if len(c.log) == 0 {
		return
	}
	if err := c.history.SaveCurrent(c.log); err != nil {
		log.Printf("[history] failed to save conversation: %v", err)
	}
}

func (c *Controller) scheduleSaveLocked() {
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.saveDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A flush or a newer schedule superseded this timer.
		if c.saveTimer != timer {
			return
		}
		c.saveTimer = nil
		if err := c.history.SaveCurrent(c.log); err != nil {
			log.Printf("[history] debounced save failed: %v", err)
		}
	})
	c.saveTimer = timer
}

func (c *Controller) forgetSession(ctx context.Context, sessionID string) {
	if err := c.backend.NewChat(ctx, sessionID); err != nil {
		log.Printf("[chat] failed to reset server session=%s: %v", sessionID, err)
	}
}

func localAttachments(files []api.File) []chat.Attachment {
	if len(files) == 0 {
		return nil
	}
	out := make([]chat.Attachment, len(files))
	for i, f := range files {
		out[i] = chat.Attachment{Filename: f.Filename, URL: f.Path, Type: f.ContentType}
	}
	return out
}
