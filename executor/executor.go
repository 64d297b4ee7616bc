// Package executor is a plain request/response client for the external
// code-execution service. It is independent of the room sync protocol.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

var (
	ErrRun = errors.New("execution failed")
)

type RunRequest struct {
	RunCode string `json:"runcode"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zerolog.Logger
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     cfg.Logger.With().Str("component", "executor").Logger(),
	}
}

// Run submits the source text to the language endpoint and returns the
// service's output verbatim.
func (c *Client) Run(ctx context.Context, language, source string) (string, error) {
	body, err := json.Marshal(RunRequest{RunCode: source})
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}

	url := c.baseURL + "/" + language
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Join(ErrRun, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Join(ErrRun, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("language", language).
			Msg("executor returned non-ok status")
		return "", fmt.Errorf("%w: status %d: %s", ErrRun, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
