package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// Fragment is one increment of generated text from the inference endpoint.
// A fragment with Err set is terminal; the channel is closed right after it.
type Fragment struct {
	Content string
	Err     error
}

// StreamRequest describes one upstream chat completion call. Only the
// current turn is sent: an optional system message followed by the user text.
type StreamRequest struct {
	Endpoint     string
	Token        string
	Model        string
	SystemPrompt string
	UserText     string
}

// UpstreamClient opens streaming completions against an inference deployment
// and decodes its newline-delimited, data:-prefixed event protocol.
type UpstreamClient struct {
	httpClient    *http.Client
	resourceGroup string
	chunkTokens   int
}

// NewUpstreamClient builds a client for the given resource group (the
// provider's tenancy partition). chunkTokens tunes the upstream chunk
// granularity; zero leaves it to the provider default. The HTTP client has no
// overall timeout because reads can legitimately run for minutes; the caller
// bounds the call through its context.
func NewUpstreamClient(resourceGroup string, chunkTokens int) *UpstreamClient {
	return &UpstreamClient{
		httpClient:    &http.Client{},
		resourceGroup: resourceGroup,
		chunkTokens:   chunkTokens,
	}
}

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	ChunkTokens int `json:"chunk_tokens,omitempty"`
}

type upstreamPayload struct {
	Messages      []upstreamMessage `json:"messages"`
	Stream        bool              `json:"stream"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
}

type upstreamRecord struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream opens the upstream connection and returns a channel of fragments.
// Failures before the stream is open are returned synchronously; failures
// after that arrive as a terminal fragment with Err set, leaving everything
// received so far usable by the caller.
func (c *UpstreamClient) Stream(ctx context.Context, sr StreamRequest) (<-chan Fragment, error) {
	payload := upstreamPayload{Stream: true}
	if sr.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, upstreamMessage{Role: "system", Content: sr.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, upstreamMessage{Role: "user", Content: sr.UserText})
	if c.chunkTokens > 0 {
		payload.StreamOptions = &streamOptions{ChunkTokens: c.chunkTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RelayError{Code: CodeUpstreamTransport, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sr.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RelayError{Code: CodeUpstreamTransport, Message: "invalid deployment URL", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("AI-Resource-Group", c.resourceGroup)
	if sr.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sr.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RelayError{Code: CodeUpstreamTransport, Message: "upstream connection failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &RelayError{
			Code:    CodeUpstreamTransport,
			Message: fmt.Sprintf("upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		c.readLoop(ctx, resp.Body, out)
	}()
	return out, nil
}

// readLoop decodes the framed byte stream. A record may span multiple network
// reads, so the trailing partial line is carried over to the next read;
// decoded output is therefore independent of how the bytes were chunked.
func (c *UpstreamClient) readLoop(ctx context.Context, r io.Reader, out chan<- Fragment) {
	var carry []byte
	buf := make([]byte, 32*1024)

	send := func(f Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				idx := bytes.IndexByte(carry, '\n')
				if idx < 0 {
					break
				}
				line := carry[:idx]
				carry = carry[idx+1:]
				if content, ok := decodeRecord(line); ok {
					if !send(Fragment{Content: content}) {
						return
					}
				}
			}
		}

		if readErr == io.EOF {
			// Transport close ends the stream. A last record without a
			// trailing newline is still complete at this point.
			if content, ok := decodeRecord(carry); ok {
				send(Fragment{Content: content})
			}
			return
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return
			}
			send(Fragment{Err: &RelayError{Code: CodeUpstreamTransport, Message: "upstream stream interrupted", Err: readErr}})
			return
		}
	}
}

// decodeRecord parses one framed line into its content delta. Lines without
// the data: prefix, [DONE] sentinels, and malformed JSON records are skipped;
// a single corrupt record never aborts the stream. A finish_reason of "stop"
// is informational only.
func decodeRecord(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data: ")) {
		return "", false
	}
	payload := bytes.TrimSpace(line[len("data: "):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return "", false
	}

	var rec upstreamRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Printf("Skipping malformed upstream record: %v", err)
		return "", false
	}

	for _, choice := range rec.Choices {
		if choice.Delta.Content != "" {
			return choice.Delta.Content, true
		}
	}
	return "", false
}
