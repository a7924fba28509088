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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	graphScope    = "https://graph.microsoft.com/.default"
	graphTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	graphAttempts    = 4
	graphRetryWait   = 1 * time.Second
	graphMaxWait     = 30 * time.Second
	graphHTTPTimeout = 30 * time.Second
	graphMaxErrBody  = 4 * 1024
)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// Graph configuration errors.
var (
	ErrNoTenant     = errors.New("tenant ID is required")
	ErrNoClient     = errors.New("client ID is required")
	ErrNoSecret     = errors.New("client secret is required")
	ErrNoSender     = errors.New("from address (shared mailbox) is required")
	ErrNoRecipients = errors.New("no valid recipients")
)

// graphEndpoints are the URLs a GraphClient talks to.
type graphEndpoints struct {
	api   string
	token string
}

func defaultEndpoints(tenantID string) graphEndpoints {
	return graphEndpoints{api: graphBaseURL, token: fmt.Sprintf(graphTokenURL, url.PathEscape(tenantID))}
}

// GraphClient sends mail from a shared mailbox with app-only credentials.
type GraphClient struct {
	sendURL    string
	httpClient *http.Client
	retryWait  time.Duration
}

// NewGraphClient creates a new email client.
func NewGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	return newGraphClient(cfg, defaultEndpoints(cfg.TenantID))
}

func newGraphClient(cfg *GraphConfig, ep graphEndpoints) (*GraphClient, error) {
	if err := errors.Join(missing(cfg.TenantID, ErrNoTenant), missing(cfg.ClientID, ErrNoClient),
		missing(cfg.ClientSecret, ErrNoSecret), missing(cfg.FromAddress, ErrNoSender)); err != nil {
		return nil, err
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     ep.token,
		Scopes:       []string{graphScope},
	}
	// The token source uses this client too, so token fetches time out as well.
	base := &http.Client{Timeout: graphHTTPTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &GraphClient{
		sendURL:    ep.api + "/users/" + url.PathEscape(cfg.FromAddress) + "/sendMail",
		httpClient: creds.Client(ctx),
		retryWait:  graphRetryWait,
	}, nil
}

func missing(v string, err error) error {
	if strings.TrimSpace(v) == "" {
		return err
	}
	return nil
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

// newMailRequest builds a plain text message. Blank recipients are skipped.
func newMailRequest(recipients []string, subject, body string) (graphMailRequest, error) {
	msg := graphMessage{Subject: subject, Body: graphBody{ContentType: "Text", Content: body}}
	for _, addr := range recipients {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		var r graphRecipient
		r.EmailAddress.Address = addr
		msg.ToRecipients = append(msg.ToRecipients, r)
	}
	if len(msg.ToRecipients) == 0 {
		return graphMailRequest{}, ErrNoRecipients
	}
	return graphMailRequest{Message: msg}, nil
}

// SendMail sends a plain text email, retrying throttled and server-side
// failures with exponential backoff.
func (c *GraphClient) SendMail(ctx context.Context, recipients []string, subject, body string) error {
	req, err := newMailRequest(recipients, subject, body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return util.WrapError("marshal request", err)
	}

	backoff := util.NewBackoff(c.retryWait, graphMaxWait)
	var lastErr error
	for attempt := range graphAttempts {
		if attempt > 0 {
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
		}
		wait, err := c.post(ctx, payload)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if wait > 0 {
			if err := util.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", graphAttempts, lastErr)
}

// permanentError marks a reply that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

// post performs one sendMail call. It returns the server's Retry-After hint
// alongside retryable errors.
func (c *GraphClient) post(ctx context.Context, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(payload))
	if err != nil {
		return 0, &permanentError{util.WrapError("create request", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, util.WrapError("send request", err)
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, graphMaxErrBody))

	switch code := resp.StatusCode; {
	case code == http.StatusOK, code == http.StatusAccepted, code == http.StatusNoContent:
		return 0, nil
	case code == http.StatusTooManyRequests, code >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("graph API returned %d: %s", code, msg)
	default:
		return 0, &permanentError{fmt.Errorf("graph API error %d: %s", code, msg)}
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil && s > 0 {
		return min(time.Duration(s)*time.Second, graphMaxWait)
	}
	if t, err := http.ParseTime(v); err == nil {
		return min(max(time.Until(t), 0), graphMaxWait)
	}
	return 0
}

// ValidateConfig checks every field the email channel needs and reports
// all problems at once. Tenant and client IDs must be GUIDs.
func ValidateConfig(cfg *GraphConfig) error {
	errs := []error{
		missing(cfg.TenantID, ErrNoTenant),
		missing(cfg.ClientID, ErrNoClient),
		missing(cfg.ClientSecret, ErrNoSecret),
		missing(cfg.FromAddress, ErrNoSender),
	}
	if cfg.TenantID != "" && uuid.Validate(cfg.TenantID) != nil {
		errs = append(errs, fmt.Errorf("tenant ID %q is not a valid GUID", cfg.TenantID))
	}
	if cfg.ClientID != "" && uuid.Validate(cfg.ClientID) != nil {
		errs = append(errs, fmt.Errorf("client ID %q is not a valid GUID", cfg.ClientID))
	}
	if len(ParseRecipients(cfg.Recipients)) == 0 {
		errs = append(errs, ErrNoRecipients)
	}
	return errors.Join(errs...)
}

// IsConfigured reports whether the Graph configuration has the minimum required fields.
func IsConfigured(cfg *GraphConfig) bool {
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
