package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
)

// Config holds generation backend settings.
type Config struct {
	// URL is the full chat completion endpoint, e.g. http://host:11434/api/chat.
	URL string
	// Model is the backend model name sent with every request.
	Model string
	// Timeout bounds a single generation from request to final chunk.
	Timeout time.Duration
}

// Client streams completions from an Ollama-compatible backend. The backend
// accepts {model, messages, stream:true} and answers with newline-delimited
// JSON objects carrying incremental message content.
type Client struct {
	cfg    Config
	rest   *resty.Client
	probe  *retryablehttp.Client
	logger *logging.Logger
}

// New creates a generation client.
func New(cfg Config, logger *logging.Logger) *Client {
	rest := resty.New()
	if cfg.Timeout > 0 {
		rest.SetTimeout(cfg.Timeout)
	}

	probe := retryablehttp.NewClient()
	probe.RetryMax = 2
	probe.RetryWaitMin = 200 * time.Millisecond
	probe.RetryWaitMax = 2 * time.Second
	probe.Logger = nil

	return &Client{
		cfg:    cfg,
		rest:   rest,
		probe:  probe,
		logger: logger,
	}
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []history.Message `json:"messages"`
	Stream   bool              `json:"stream"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Stream is one in-flight generation. Chunks are delivered in production
// order; once the channel closes, Err reports how the stream ended (nil for
// natural completion). Abandoning a stream is done by cancelling the context
// passed to Client.Stream, which closes the underlying response body.
type Stream struct {
	chunks chan string

	mu  sync.Mutex
	err error
}

// Chunks returns the channel of incremental text fragments.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Err reports the terminal stream error. Valid once Chunks is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Stream starts a generation over the full message history. The returned
// stream must be drained; cancelling ctx interrupts it promptly and releases
// the network resources on every exit path.
func (c *Client) Stream(ctx context.Context, msgs []history.Message) (*Stream, error) {
	body := chatRequest{
		Model:    c.cfg.Model,
		Messages: msgs,
		Stream:   true,
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		raw.Close()
		return nil, fmt.Errorf("generation backend returned %s", resp.Status())
	}

	stream := &Stream{chunks: make(chan string, 16)}
	go c.consume(ctx, raw, stream)
	return stream, nil
}

// consume reads newline-delimited JSON chunks off the response body until the
// end marker, a transport failure, or context cancellation.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, stream *Stream) {
	defer close(stream.chunks)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn("Skipping malformed generation chunk", zap.Error(err))
			continue
		}

		if chunk.Message.Content != "" {
			select {
			case stream.chunks <- chunk.Message.Content:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
		if chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			stream.setErr(ctx.Err())
			return
		}
		stream.setErr(fmt.Errorf("generation stream interrupted: %w", err))
	}
}

// Ping probes the backend host for reachability. Used by health checks and
// at startup; a failure is advisory, not fatal.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid generation backend URL: %w", err)
	}
	u.Path = "/"
	u.RawQuery = ""

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("generation backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("generation backend unhealthy: %s", resp.Status)
	}
	return nil
}
