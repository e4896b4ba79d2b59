// Package api is the HTTP client for the chat relay endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

// File is a local file to upload with a message.
type File struct {
	Path        string
	Filename    string
	ContentType string
}

// FileFromPath describes the file at path, guessing its type from the
// extension.
func FileFromPath(path string) File {
	name := filepath.Base(path)
	return File{
		Path:        path,
		Filename:    name,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
	}
}

// ChatRequest is one outgoing turn.
type ChatRequest struct {
	Message   string
	SessionID string
	Language  string
	Files     []File
}

// ChatReply mirrors the /api/chat success body.
type ChatReply struct {
	Response  string            `json:"response"`
	Files     []chat.Attachment `json:"files"`
	SessionID string            `json:"sessionId"`
}

// Health mirrors the /api/health body.
type Health struct {
	Status            string `json:"status"`
	GeminiConfigured  bool   `json:"geminiConfigured"`
	BackendConfigured bool   `json:"backendConfigured"`
	Provider          string `json:"provider"`
	Timestamp         string `json:"timestamp"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *StatusError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to one relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL such as "http://localhost:5000".
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Chat posts a turn as multipart form data.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	body, contentType, err := encodeChat(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	var reply ChatReply
	if err := c.do(httpReq, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// NewChat asks the server to drop the session's conversation.
func (c *Client) NewChat(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/new-chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, nil)
}

// Health fetches the server status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	var health Health
	if err := c.do(httpReq, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, statusErr) != nil || statusErr.Message == "" {
			statusErr.Message = http.StatusText(resp.StatusCode)
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func encodeChat(req ChatRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{{"message", req.Message}, {"sessionId", req.SessionID}, {"language", req.Language}}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, f := range req.Files {
		if err := writeFile(mw, f); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func writeFile(mw *multipart.Writer, f File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer src.Close()

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
