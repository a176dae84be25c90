package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"

	"golang.org/x/time/rate"
)

// CRMClient is the surface the sync processor needs from the external CRM.
type CRMClient interface {
	CheckLeadExists(ctx context.Context, phone string) (string, bool, error)
	CreateLead(ctx context.Context, lead CRMLead) (string, error)
	CreateOpportunity(ctx context.Context, opp CRMOpportunity) (string, error)
}

// CRMLead is the contact record pushed to the external CRM.
type CRMLead struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// CRMOpportunity is the deal record pushed to the external CRM.
type CRMOpportunity struct {
	LeadID      string `json:"leadId"`
	Title       string `json:"title"`
	Destination string `json:"destination,omitempty"`
	Source      string `json:"source"`
	TraceID     string `json:"traceId"`
}

// ClientConfig configures the HTTP CRM client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RateLimit is the ceiling of CRM calls per second across all workers.
	RateLimit float64
}

// Client talks to the external CRM over HTTP. All methods classify failures:
// network errors, timeouts and 5xx responses are transient (the message stays
// pending for reclaim), 4xx responses are data-integrity failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	log        *logger.Logger
}

func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(limit), int(limit)),
		log:        log,
	}
}

// CheckLeadExists looks up the CRM contact by phone. It returns the external
// lead id and true when found, "" and false when the CRM has no such contact.
func (c *Client) CheckLeadExists(ctx context.Context, phone string) (string, bool, error) {
	reqURL := fmt.Sprintf("%s/api/v1/leads?phone=%s", c.baseURL, url.QueryEscape(phone))

	var result struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, reqURL, nil, &result); err != nil {
		return "", false, err
	}
	if len(result.Items) == 0 {
		return "", false, nil
	}
	return result.Items[0].ID, true, nil
}

// CreateLead creates the CRM contact and returns its external id.
func (c *Client) CreateLead(ctx context.Context, lead CRMLead) (string, error) {
	reqURL := c.baseURL + "/api/v1/leads"

	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, reqURL, lead, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", apperr.DataIntegrity("crm returned lead without id").WithOp("crmsync.CreateLead")
	}
	return result.ID, nil
}

// CreateOpportunity creates the CRM deal under an existing contact.
func (c *Client) CreateOpportunity(ctx context.Context, opp CRMOpportunity) (string, error) {
	reqURL := c.baseURL + "/api/v1/opportunities"

	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, reqURL, opp, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", apperr.DataIntegrity("crm returned opportunity without id").WithOp("crmsync.CreateOpportunity")
	}
	return result.ID, nil
}

func (c *Client) do(ctx context.Context, method, reqURL string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Transient("crm rate limit wait", err)
	}

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "encode crm request", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "create crm request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		c.log.CRMCall(method+" "+reqURL, false, latency)
		return apperr.Transient("crm request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.log.CRMCall(method+" "+reqURL, true, latency)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.log.CRMCall(method+" "+reqURL, false, latency)
		return apperr.Transient(fmt.Sprintf("crm upstream status %d", resp.StatusCode), nil)
	default:
		c.log.CRMCall(method+" "+reqURL, false, latency)
		return apperr.DataIntegrity(fmt.Sprintf("crm rejected request: status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindDataIntegrity, "decode crm response", err)
	}
	return nil
}
