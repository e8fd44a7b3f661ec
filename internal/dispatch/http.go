package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type HTTPConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint64
	// InitialInterval is the first retry delay; zero keeps the library default.
	InitialInterval time.Duration
}

// HTTPProvider posts messages to a transactional email API. 5xx responses
// and transport errors are retried with exponential backoff.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("email api returned %d: %s", e.StatusCode, e.Body)
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *HTTPProvider) Name() string { return "api" }

type apiRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type apiResponse struct {
	ID string `json:"id"`
}

func (p *HTTPProvider) Send(ctx context.Context, msg Message) (Result, error) {
	body, err := json.Marshal(apiRequest{From: msg.From, To: msg.To, Subject: msg.Subject, Text: msg.Body})
	if err != nil {
		return Result{}, err
	}

	eb := backoff.NewExponentialBackOff()
	if p.cfg.InitialInterval > 0 {
		eb.InitialInterval = p.cfg.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, p.cfg.MaxRetries), ctx)

	id, err := backoff.RetryWithData(func() (string, error) {
		return p.post(ctx, body)
	}, policy)
	if err != nil {
		return Result{}, err
	}
	return Result{MessageID: id, Provider: p.Name()}, nil
}

func (p *HTTPProvider) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", serr
		}
		return "", backoff.Permanent(serr)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode email api response: %w", err))
	}
	return out.ID, nil
}
