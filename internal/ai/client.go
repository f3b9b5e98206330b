package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/metrics"
)

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Document struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ChatRequest is the body of POST /agent/chat.
type ChatRequest struct {
	SessionID   string           `json:"session_id"`
	UserMessage string           `json:"user_message"`
	Category    string           `json:"category"`
	History     []HistoryMessage `json:"history"`
	Images      []string         `json:"images,omitempty"`
	Documents   []Document       `json:"pdfs,omitempty"`
	OCRText     string           `json:"ocr_text,omitempty"`
}

// Client talks to the AI agent service.
type Client struct {
	BaseURL      string
	HTTP         *http.Client
	SetupTimeout time.Duration
}

func NewClient(baseURL string, setupTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if setupTimeout <= 0 {
		setupTimeout = 60 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// no client-wide timeout: it would also cut off long streams
		HTTP:         &http.Client{},
		SetupTimeout: setupTimeout,
	}
}

// OpenResponseStream posts the turn and returns the SSE body once response
// headers arrive. SetupTimeout bounds only that phase; reading the body has
// no local deadline. Closing the body releases the request.
func (c *Client) OpenResponseStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if c.HTTP == nil {
		return nil, errors.New("ai: http client is nil")
	}
	if req.History == nil {
		req.History = []HistoryMessage{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.SetupTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/agent/chat", bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	stopped := timer.Stop()
	metrics.UpstreamSetupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		cancel()
		if timedOut.Load() || !stopped {
			metrics.UpstreamOpenFailures.WithLabelValues("timeout").Inc()
			return nil, fail(ErrTimeout, err)
		}
		return nil, classifyTransport(err)
	}
	if !stopped {
		// headers raced the deadline; the context is already cancelled
		_ = resp.Body.Close()
		metrics.UpstreamOpenFailures.WithLabelValues("timeout").Inc()
		return nil, fail(ErrTimeout, context.DeadlineExceeded)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		cancel()
		metrics.UpstreamOpenFailures.WithLabelValues("status").Inc()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Title asks the agent for a short session title.
func (c *Client) Title(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.SetupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/agent/title", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var decoded struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("ai: decode title: %w", err)
	}
	return strings.TrimSpace(decoded.Title), nil
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.UpstreamOpenFailures.WithLabelValues("timeout").Inc()
		return fail(ErrTimeout, err)
	}
	metrics.UpstreamOpenFailures.WithLabelValues("unreachable").Inc()
	return fail(ErrUnreachable, err)
}
