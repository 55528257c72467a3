package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"awards-be/pkg/logger"
)

// Email templates
const (
	TemplateVoteConfirmation   = "vote-confirmation"
	TemplateNominationApproved = "nomination-approved"
)

// EmailConfig configures the transactional email client
type EmailConfig struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

// Message is a templated email. Rendering happens at the provider.
type Message struct {
	Template  string                 `json:"template"`
	To        string                 `json:"to"`
	From      string                 `json:"from,omitempty"`
	Variables map[string]interface{} `json:"variables"`
}

// EmailClient sends transactional email. The provider deduplicates on the
// Idempotency-Key header, so a redelivered outbox entry sends at most once.
type EmailClient struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewEmailClient creates an email client
func NewEmailClient(cfg EmailConfig, log *logger.Logger) *EmailClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmailClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Component("email"),
	}
}

// Send submits one message. Only a 2xx response counts as sent.
func (c *EmailClient) Send(ctx context.Context, msg Message, idempotencyKey string) error {
	if msg.From == "" {
		msg.From = c.from
	}
	jsonBody, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("email", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("email", resp); err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"template":        msg.Template,
		"idempotency_key": idempotencyKey,
	}).Debug("Email accepted")
	return nil
}
