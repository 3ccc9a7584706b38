package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// NtfyConfig configures one ntfy / UnifiedPush endpoint.
type NtfyConfig struct {
	Name       string
	URL        string
	Token      string
	RatePerSec int
}

// NtfySink POSTs events to a ntfy topic (or any UnifiedPush distributor).
//
// ntfy reads the title from the X-Title header and tags from X-Tags; plain
// distributors ignore both and deliver the body as-is.
type NtfySink struct {
	name    string
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewNtfySink(cfg NtfyConfig) (*NtfySink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ntfy: url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "ntfy"
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	return &NtfySink{
		name:    name,
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (s *NtfySink) Name() string { return s.name }

func (s *NtfySink) Deliver(ctx context.Context, ev Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	title, body := Render(ev)
	payload := body
	if payload == "" {
		// ntfy wants a non-empty body; fall back to the title.
		payload = title
		title = ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-UnifiedPush", "1")
	if title != "" {
		req.Header.Set("X-Title", title)
	}
	if IsErrorKind(ev.Kind) {
		req.Header.Set("X-Tags", "exclamation")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
