package notify

import (
	"bytes"
	"cmp"
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

	"github.com/oszuidwest/zwfm-systemtap/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBaseURL     = "https://graph.microsoft.com/v1.0"
	graphScope       = "https://graph.microsoft.com/.default"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	graphAttempts    = 4
	initialRetryWait = 1 * time.Second
	maxRetryWait     = 30 * time.Second
	httpTimeout      = 30 * time.Second
	maxErrorBody     = 4096
)

// GraphConfig holds Microsoft Graph credentials for email alerts.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	FromAddress  string // Shared mailbox that sends the mail
	Recipients   string // Comma-separated addresses
}

// IsConfigured reports whether every field needed to send mail is set.
func (cfg *GraphConfig) IsConfigured() bool {
	return util.IsConfigured(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.FromAddress, cfg.Recipients)
}

var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// checkCredentials reports the first missing credential. With strictIDs,
// tenant and client IDs must also be GUIDs.
func checkCredentials(cfg *GraphConfig, strictIDs bool) error {
	ids := []struct{ name, value string }{
		{"tenant ID", cfg.TenantID},
		{"client ID", cfg.ClientID},
	}
	for _, id := range ids {
		switch {
		case id.value == "":
			return fmt.Errorf("%s is required", id.name)
		case strictIDs && !guidPattern.MatchString(id.value):
			return fmt.Errorf("%s must be a valid GUID (e.g., 12345678-1234-1234-1234-123456789abc)", id.name)
		}
	}
	if cfg.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if cfg.FromAddress == "" {
		return errors.New("from address (shared mailbox) is required")
	}
	return nil
}

// ValidateConfig checks a complete Graph configuration, including GUID formats.
func ValidateConfig(cfg *GraphConfig) error {
	if err := checkCredentials(cfg, true); err != nil {
		return err
	}
	if len(ParseRecipients(cfg.Recipients)) == 0 {
		return errors.New("recipients are required")
	}
	return nil
}

// ParseRecipients splits a comma-separated address list, dropping blanks.
func ParseRecipients(recipients string) []string {
	var result []string
	for r := range strings.SplitSeq(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}

// GraphClient sends mail from a shared mailbox through Microsoft Graph.
type GraphClient struct {
	baseURL     string
	fromAddress string
	httpClient  *http.Client
	retryWait   time.Duration // First retry delay; zero means initialRetryWait
}

// NewGraphClient returns a client that authenticates with the OAuth2
// client-credentials flow. IDs are not checked for GUID format here.
func NewGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	if err := checkCredentials(cfg, false); err != nil {
		return nil, err
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLTemplate, cfg.TenantID),
		Scopes:       []string{graphScope},
	}
	// Token requests share the API timeout.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: httpTimeout})

	return &GraphClient{
		baseURL:     graphBaseURL,
		fromAddress: cfg.FromAddress,
		httpClient:  creds.Client(ctx),
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
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// SendMail sends a plain text message. Throttling and server errors are
// retried with backoff until ctx ends.
func (c *GraphClient) SendMail(ctx context.Context, recipients []string, subject, body string) error {
	msg := graphMessage{
		Subject: subject,
		Body:    graphBody{ContentType: "Text", Content: body},
	}
	for _, addr := range recipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			var r graphRecipient
			r.EmailAddress.Address = addr
			msg.ToRecipients = append(msg.ToRecipients, r)
		}
	}
	if len(msg.ToRecipients) == 0 {
		return errors.New("no recipients specified")
	}

	payload, err := json.Marshal(graphMailRequest{Message: msg})
	if err != nil {
		return util.WrapError("marshal mail request", err)
	}
	return c.postWithRetry(ctx, c.mailboxURL()+"/sendMail", payload)
}

func (c *GraphClient) mailboxURL() string {
	return c.baseURL + "/users/" + url.PathEscape(c.fromAddress)
}

// retryableError is a Graph failure worth another attempt. after is the
// server's Retry-After hint.
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *GraphClient) postWithRetry(ctx context.Context, apiURL string, payload []byte) error {
	backoff := util.NewBackoff(cmp.Or(c.retryWait, initialRetryWait), maxRetryWait)

	var err error
	for attempt := 1; attempt <= graphAttempts; attempt++ {
		err = c.post(ctx, apiURL, payload)
		var retry *retryableError
		if err == nil || !errors.As(err, &retry) || attempt == graphAttempts {
			break
		}

		wait := max(backoff.Next(), retry.after)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("graph sendMail: %w", err)
	}
	return nil
}

func (c *GraphClient) post(ctx context.Context, apiURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return util.WrapError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &retryableError{err: err}
	}
	defer util.SafeCloseFunc(resp.Body, "graph response body")()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // Body is informational
	statusErr := fmt.Errorf("graph API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: statusErr, after: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &retryableError{err: statusErr}
	default:
		return statusErr
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}
	return min(time.Duration(seconds)*time.Second, maxRetryWait)
}

// ValidateAuth acquires a token by looking up the sending mailbox. A 403 still
// proves the credentials: app-only tokens lack User.Read.
func (c *GraphClient) ValidateAuth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mailboxURL(), http.NoBody)
	if err != nil {
		return util.WrapError("create validation request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var tokenErr *oauth2.RetrieveError
		if errors.As(err, &tokenErr) {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return util.WrapError("reach Microsoft Graph", err)
	}
	defer util.SafeCloseFunc(resp.Body, "graph response body")()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("mailbox %s not found", c.fromAddress)
	case http.StatusUnauthorized:
		return errors.New("authentication failed: invalid credentials")
	default:
		return fmt.Errorf("validation failed with status %d", resp.StatusCode)
	}
}
