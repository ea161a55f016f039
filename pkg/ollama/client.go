// Package ollama is a small client for the Ollama HTTP API: JSON-mode chat
// completions for every model call and embeddings for the product index.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyCompletion means the model returned no content.
var ErrEmptyCompletion = errors.New("ollama: empty completion")

// Options configures a Client.
type Options struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	// Temperature is passed through to the model; 0 keeps the server default.
	Temperature float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// DefaultOptions returns options for a local Ollama.
func DefaultOptions() Options {
	return Options{
		BaseURL:     "http://localhost:11434",
		ChatModel:   "llama3.1:8b",
		EmbedModel:  "nomic-embed-text",
		Temperature: 0.2,
		Timeout:     90 * time.Second,
	}
}

// Client talks to one Ollama server.
type Client struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// New creates a Client. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.ChatModel == "" {
		opts.ChatModel = def.ChatModel
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = def.EmbedModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, client: &http.Client{Timeout: opts.Timeout}, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Format   string         `json:"format,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// Chat sends a system+user exchange and returns the raw reply content.
// When jsonMode is set the model is asked for a JSON object.
func (c *Client) Chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := chatReq{
		Model: c.opts.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		req.Format = "json"
	}
	if c.opts.Temperature > 0 {
		req.Options = map[string]any{"temperature": c.opts.Temperature}
	}

	var out chatResp
	if err := c.post(ctx, "/api/chat", req, &out); err != nil {
		return "", fmt.Errorf("ollama: chat: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: chat: %s", out.Error)
	}
	content := strings.TrimSpace(out.Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// ChatJSON runs a JSON-mode chat and decodes the reply into out. A reply
// that is not a JSON object yields an error wrapping the decode failure.
func (c *Client) ChatJSON(ctx context.Context, system, user string, out any) error {
	content, err := c.Chat(ctx, system, user, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(content)), out); err != nil {
		c.logger.Debug("ollama: undecodable reply", "content", truncate(content, 200))
		return fmt.Errorf("ollama: decode reply: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stripFence removes a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
