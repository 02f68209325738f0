package wati

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/wb-go/wbf/retry"
)

var (
	ErrInvalidEndpoint = errors.New("endpoint must look like host/{numeric business id}")
	ErrMissingToken    = errors.New("bearer token is empty")
)

var endpointPattern = regexp.MustCompile(`^(https?://)?([^/\s]+)/(\d+)/?$`)

// Endpoint is a parsed account endpoint such as https://live-server.wati.io/123456.
type Endpoint struct {
	Scheme     string
	Host       string
	BusinessID string
}

func (e Endpoint) Base() string {
	return e.Scheme + "://" + e.Host + "/" + e.BusinessID
}

func ParseEndpoint(raw string) (Endpoint, error) {
	m := endpointPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Endpoint{}, ErrInvalidEndpoint
	}
	scheme := "https"
	if m[1] != "" {
		scheme = strings.TrimSuffix(m[1], "://")
	}
	return Endpoint{Scheme: scheme, Host: m[2], BusinessID: m[3]}, nil
}

type Config struct {
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
}

type Client struct {
	httpClient *http.Client
	listRetry  retry.Strategy
}

type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type SendRequest struct {
	TemplateName  string      `json:"template_name"`
	BroadcastName string      `json:"broadcast_name"`
	Parameters    []Parameter `json:"parameters,omitempty"`
}

type SendResult struct {
	StatusCode int             `json:"status_code"`
	Result     bool            `json:"result"`
	Body       json.RawMessage `json:"body,omitempty"`
	Raw        string          `json:"raw,omitempty"`
}

// OK reports the API's success contract: HTTP 200 and result true.
func (r SendResult) OK() bool {
	return r.StatusCode == http.StatusOK && r.Result
}

type Template struct {
	ElementName string `json:"elementName"`
	Status      string `json:"status,omitempty"`
	Category    string `json:"category,omitempty"`
	Language    any    `json:"language,omitempty"`
}

type templatesResponse struct {
	MessageTemplates []Template `json:"messageTemplates"`
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		listRetry: retry.Strategy{Attempts: cfg.RetryAttempts, Delay: time.Second, Backoff: 2},
	}
}

// Templates lists the account's message templates. The listing is idempotent
// and retried; sends are not.
func (c *Client) Templates(ctx context.Context, endpoint Endpoint, token string) ([]Template, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	var templates []Template
	err := retry.DoContext(ctx, c.listRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.Base()+"/api/v1/getMessageTemplates", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", bearer(token))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("template listing returned status %d", resp.StatusCode)
		}

		var body templatesResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode templates: %w", err)
		}
		templates = body.MessageTemplates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (c *Client) TemplateExists(ctx context.Context, endpoint Endpoint, token, name string) (bool, error) {
	templates, err := c.Templates(ctx, endpoint, token)
	if err != nil {
		return false, err
	}
	for _, t := range templates {
		if t.ElementName == name {
			return true, nil
		}
	}
	return false, nil
}

// SendTemplateMessage posts one template message. A non-nil error means the
// request never produced an HTTP response.
func (c *Client) SendTemplateMessage(ctx context.Context, endpoint Endpoint, token, phone string, msg SendRequest) (SendResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	u := endpoint.Base() + "/api/v2/sendTemplateMessage?whatsappNumber=" + url.QueryEscape(phone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{StatusCode: resp.StatusCode}, fmt.Errorf("failed to read response: %w", err)
	}

	result := SendResult{StatusCode: resp.StatusCode}
	var body struct {
		Result any `json:"result"`
	}
	if json.Unmarshal(raw, &body) == nil {
		result.Body = json.RawMessage(raw)
		result.Result = body.Result == true
	} else {
		result.Raw = string(raw)
	}
	return result, nil
}

func bearer(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}
