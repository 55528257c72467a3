package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"awards-be/pkg/logger"
)

// CRMConfig configures the CRM client. OAuth2 client credentials are used when
// TokenURL and ClientID are set; otherwise APIKey is sent as a bearer token.
type CRMConfig struct {
	BaseURL      string
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Contact is a CRM contact, upserted by email
type Contact struct {
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Phone          string    `json:"phone,omitempty"`
	Company        string    `json:"company,omitempty"`
	MarketingOptIn bool      `json:"marketing_opt_in"`
	LastVoteAt     time.Time `json:"last_vote_at"`
}

// Deal is the CRM record of a nomination, upserted by nomination id
type Deal struct {
	NominationID string `json:"nomination_id"`
	CategoryID   string `json:"category_id"`
	NomineeName  string `json:"nominee_name"`
	Stage        string `json:"stage"`
	VoteTotal    int64  `json:"vote_total"`
}

// CRMClient syncs contacts and deals. Both calls are idempotent upserts keyed
// by a natural key, so redelivery is harmless.
type CRMClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewCRMClient creates a CRM client
func NewCRMClient(ctx context.Context, cfg CRMConfig, log *logger.Logger) *CRMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := &http.Client{Timeout: timeout}

	httpClient := base
	if cfg.TokenURL != "" && cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		httpClient.Timeout = timeout
	}

	return &CRMClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     log.Component("crm"),
	}
}

// UpsertContact creates or updates the contact identified by email
func (c *CRMClient) UpsertContact(ctx context.Context, contact Contact) error {
	return c.put(ctx, "/contacts/"+url.PathEscape(contact.Email), contact)
}

// UpsertDeal creates or updates the deal of a nomination
func (c *CRMClient) UpsertDeal(ctx context.Context, deal Deal) error {
	return c.put(ctx, "/deals/"+url.PathEscape(deal.NominationID), deal)
}

func (c *CRMClient) put(ctx context.Context, path string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("crm", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("crm", resp); err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"path":        strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0],
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("CRM upsert succeeded")
	return nil
}
