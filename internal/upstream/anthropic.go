package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/poolgate/poolgate/internal/pricing"
)

const apiVersion = "2023-06-01"

// Client calls the upstream messages API with a tenant's OAuth access token.
// A circuit breaker trips after consecutive failures so a broken upstream
// fails fast instead of tying up every in-flight request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

// Usage is the upstream's token accounting for one request.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// TokenUsage converts to the pricing model's tuple.
func (u Usage) TokenUsage() pricing.TokenUsage {
	return pricing.TokenUsage{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheWrite: u.CacheCreationInputTokens,
		CacheRead:  u.CacheReadInputTokens,
	}
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type MessageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Client) newRequest(ctx context.Context, accessToken string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", apiVersion)
	return req, nil
}

// Messages performs a non-streaming call. The caller never sees the access
// token; it is injected here and nowhere else.
func (c *Client) Messages(ctx context.Context, accessToken string, req *MessageRequest) (*MessageResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := c.newRequest(ctx, accessToken, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("upstream api error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var mr MessageResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return nil, err
		}
		return &mr, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*MessageResponse), nil
}

// Chunk is one server-sent event from a streaming call. Usage is populated on
// the final chunk, accumulated from message_start and message_delta events.
type Chunk struct {
	Event string
	Data  []byte
	Done  bool
	Usage *Usage
	Err   error
}

type streamEvent struct {
	Type    string    `json:"type"`
	Message *struct {
		Usage Usage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// Stream performs a streaming call, forwarding each event and tallying usage
// as it goes. The channel closes after the Done (or error) chunk.
func (c *Client) Stream(ctx context.Context, accessToken string, req *MessageRequest) (<-chan *Chunk, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("upstream circuit breaker is open")
	}

	streamReq := *req
	streamReq.Stream = true
	body, err := json.Marshal(&streamReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, accessToken, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		err := fmt.Errorf("upstream api error (status %d): %s", resp.StatusCode, string(respBody))
		c.recordFailure(err)
		return nil, err
	}

	ch := make(chan *Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var usage Usage
		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					c.recordSuccess()
					c.send(ctx, ch, &Chunk{Done: true, Usage: &usage})
					return
				}
				c.recordFailure(err)
				c.send(ctx, ch, &Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Type {
				case "message_start":
					if ev.Message != nil {
						usage = ev.Message.Usage
					}
				case "message_delta":
					// Output token counts on deltas are cumulative.
					if ev.Usage != nil {
						usage.OutputTokens = ev.Usage.OutputTokens
					}
				case "error":
					if ev.Error != nil {
						err := fmt.Errorf("upstream stream error: %s", ev.Error.Message)
						c.recordFailure(err)
						c.send(ctx, ch, &Chunk{Err: err})
						return
					}
				case "message_stop":
					c.send(ctx, ch, &Chunk{Event: currentEvent, Data: []byte(data)})
					c.recordSuccess()
					c.send(ctx, ch, &Chunk{Done: true, Usage: &usage})
					return
				}
			}

			if !c.send(ctx, ch, &Chunk{Event: currentEvent, Data: []byte(data)}) {
				return
			}
		}
	}()

	return ch, nil
}

func (c *Client) send(ctx context.Context, ch chan<- *Chunk, chunk *Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// recordFailure feeds a failed attempt to the breaker outside Execute, for
// the streaming path where the call outlives the function.
func (c *Client) recordFailure(err error) {
	_, _ = c.breaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}

// recordSuccess feeds a completed stream to the breaker, so streaming
// successes reset the failure count the same way Messages calls do.
func (c *Client) recordSuccess() {
	_, _ = c.breaker.Execute(func() (interface{}, error) {
		return nil, nil
	})
}
