package notify

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
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const (
	graphBaseURL     = "https://graph.microsoft.com/v1.0"
	graphScope       = "https://graph.microsoft.com/.default"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	// Retry settings.
	maxRetries       = 3
	initialRetryWait = 1 * time.Second
	maxRetryWait     = 30 * time.Second

	httpTimeout = 30 * time.Second
)

// ErrNoRecipients is returned when the recipient list is empty after parsing.
var ErrNoRecipients = errors.New("no valid recipients")

// guidPattern matches the standard GUID format.
var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// graphEndpoints are the token and API base URLs. Tests point them at a local server.
type graphEndpoints struct {
	tokenURL string
	baseURL  string
}

func defaultGraphEndpoints(tenantID string) graphEndpoints {
	return graphEndpoints{
		tokenURL: fmt.Sprintf(tokenURLTemplate, url.PathEscape(tenantID)),
		baseURL:  graphBaseURL,
	}
}

// ValidateGraphConfig checks that cfg has every field needed to send mail.
func ValidateGraphConfig(cfg *types.GraphConfig) error {
	switch {
	case cfg.TenantID == "":
		return fmt.Errorf("tenant ID is required")
	case !guidPattern.MatchString(cfg.TenantID):
		return fmt.Errorf("tenant ID must be a valid GUID (e.g., 12345678-1234-1234-1234-123456789abc)")
	case cfg.ClientID == "":
		return fmt.Errorf("client ID is required")
	case !guidPattern.MatchString(cfg.ClientID):
		return fmt.Errorf("client ID must be a valid GUID (e.g., 12345678-1234-1234-1234-123456789abc)")
	case cfg.ClientSecret == "":
		return fmt.Errorf("client secret is required")
	case cfg.FromAddress == "":
		return fmt.Errorf("from address (shared mailbox) is required")
	case len(ParseRecipients(cfg.Recipients)) == 0:
		return ErrNoRecipients
	}
	return nil
}

// graphConfigured reports whether the Graph configuration has the minimum required fields.
func graphConfigured(cfg *types.GraphConfig) bool {
	return util.IsConfigured(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.FromAddress, cfg.Recipients)
}

// ParseRecipients splits a comma-separated recipients string into a slice.
func ParseRecipients(recipients string) []string {
	var result []string
	for r := range strings.SplitSeq(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}

// GraphClient sends e-mail through the Microsoft Graph sendMail endpoint.
type GraphClient struct {
	fromAddress string
	baseURL     string
	httpClient  *http.Client
	backoff     func() *util.Backoff
}

// newGraphClient creates a client that acquires app-only tokens with the
// client-credentials flow.
func newGraphClient(cfg *types.GraphConfig, ep graphEndpoints) (*GraphClient, error) {
	if !util.IsConfigured(cfg.TenantID, cfg.ClientID, cfg.ClientSecret) {
		return nil, fmt.Errorf("tenant ID, client ID and client secret are required")
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("from address (shared mailbox) is required")
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     ep.tokenURL,
		Scopes:       []string{graphScope},
	}

	// The base client bounds token requests as well as API calls.
	baseClient := &http.Client{Timeout: httpTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)

	return &GraphClient{
		fromAddress: cfg.FromAddress,
		baseURL:     ep.baseURL,
		httpClient:  conf.Client(ctx),
		backoff:     func() *util.Backoff { return util.NewBackoff(initialRetryWait, maxRetryWait) },
	}, nil
}

type graphMailRequest struct {
	Message graphMessage `json:"message"`
}

type graphMessage struct {
	Subject      string           `json:"subject"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
}

// SendMail sends a plain-text message to recipients.
func (c *GraphClient) SendMail(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	to := make([]graphRecipient, 0, len(recipients))
	for _, addr := range recipients {
		to = append(to, graphRecipient{EmailAddress: graphEmailAddress{Address: addr}})
	}

	jsonData, err := json.Marshal(graphMailRequest{Message: graphMessage{
		Subject:      subject,
		Body:         graphBody{ContentType: "Text", Content: body},
		ToRecipients: to,
	}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doWithRetry(ctx, jsonData)
}

// doWithRetry posts the message, retrying throttling and transient server errors.
func (c *GraphClient) doWithRetry(ctx context.Context, jsonData []byte) error {
	apiURL := fmt.Sprintf("%s/users/%s/sendMail", c.baseURL, url.PathEscape(c.fromAddress))
	backoff := c.backoff()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx); err != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
		}

		retry, err := c.post(ctx, apiURL, jsonData)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post sends one request. retry reports whether the failure is worth retrying.
func (c *GraphClient) post(ctx context.Context, apiURL string, jsonData []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return false, fmt.Errorf("authentication failed: %w", err)
		}
		return true, fmt.Errorf("send request: %w", err)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusNoContent:
		return false, nil
	case http.StatusTooManyRequests:
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			select {
			case <-time.After(time.Duration(seconds) * time.Second):
			case <-ctx.Done():
			}
		}
		return true, fmt.Errorf("graph API rate limited (429): %s", respBody)
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, fmt.Errorf("graph API returned %d: %s", resp.StatusCode, respBody)
	default:
		return false, fmt.Errorf("graph API error %d: %s", resp.StatusCode, respBody)
	}
}
