package saur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/watermeter/pkg/models"
)

const (
	DefaultAuthURL        = "https://apib2c.azure.saurclient.fr/admin/auth"
	DefaultConsumptionURL = "https://apib2c.azure.saurclient.fr/deli/section_subscription"
	DefaultTimeout        = 30 * time.Second
)

// Fixed values the auth endpoint requires verbatim
const (
	clientID  = "frontjs-client"
	grantType = "password"
	scope     = "api-scope"
)

// Client talks to the SAUR customer API. It holds a single session: a new
// Authenticate call replaces the previous one. The client never refreshes the
// token on its own.
type Client struct {
	authURL        string
	consumptionURL string
	http           *http.Client
	logger         *zap.Logger
	now            func() time.Time

	mu      sync.RWMutex
	session *models.Session
}

// Option configures a Client
type Option func(*Client)

// WithAuthURL overrides the auth endpoint
func WithAuthURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.authURL = u
		}
	}
}

// WithConsumptionURL overrides the base of the consumption endpoint
func WithConsumptionURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.consumptionURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout sets the HTTP client timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock sets the time source used for expiry tracking
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new API client
func NewClient(opts ...Option) *Client {
	c := &Client{
		authURL:        DefaultAuthURL,
		consumptionURL: DefaultConsumptionURL,
		http:           &http.Client{Timeout: DefaultTimeout},
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type authRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ClientID      string `json:"client_id"`
	GrantType     string `json:"grant_type"`
	Scope         string `json:"scope"`
	IsRecaptchaV3 bool   `json:"isRecaptchaV3"`
	CaptchaToken  bool   `json:"captchaToken"`
}

type authResponse struct {
	Token struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   flexInt `json:"expires_in"`
	} `json:"token"`
	DefaultSectionID flexString `json:"defaultSectionId"`
}

type consumptionResponse struct {
	Consumptions []struct {
		Value     *float64 `json:"value"`
		StartDate string   `json:"startDate"`
		EndDate   string   `json:"endDate"`
	} `json:"consumptions"`
}

// Authenticate logs in with the account credentials and installs the resulting
// session on the client.
func (c *Client) Authenticate(ctx context.Context, email, password string) (models.Session, error) {
	body, err := json.Marshal(authRequest{
		Username:      email,
		Password:      password,
		ClientID:      clientID,
		GrantType:     grantType,
		Scope:         scope,
		IsRecaptchaV3: true,
		CaptchaToken:  true,
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("encoding auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return models.Session{}, &AuthenticationError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Session{}, &AuthenticationError{Err: fmt.Errorf("making request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return models.Session{}, &AuthenticationError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
		}
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return models.Session{}, &AuthenticationError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decoding auth response: %w", err),
		}
	}

	session := models.Session{
		AccessToken: data.Token.AccessToken,
		SectionID:   string(data.DefaultSectionID),
		ExpiresAt:   c.now().Add(time.Duration(data.Token.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()

	c.logger.Info("authenticated",
		zap.String("section_id", session.SectionID),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session, nil
}

// SectionID returns the section bound to the current session, or "" before authentication
func (c *Client) SectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.SectionID
}

// IsSessionValid reports whether a session is present and not expired
func (c *Client) IsSessionValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Valid(c.now())
}

// FetchConsumption returns the first consumption for the given day, or nil when
// the provider has no data for it.
func (c *Client) FetchConsumption(ctx context.Context, sectionID string, date time.Time) (*models.Reading, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if !session.Valid(c.now()) {
		return nil, ErrSessionExpired
	}

	reqURL, err := c.consumptionRequestURL(sectionID, date)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("making request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return nil, &UnauthorizedError{}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
		}
	}

	var data consumptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decoding consumption response: %w", err),
		}
	}

	if len(data.Consumptions) == 0 {
		return nil, nil
	}

	first := data.Consumptions[0]
	reading := &models.Reading{
		PeriodStart: first.StartDate,
		PeriodEnd:   first.EndDate,
		FetchedAt:   c.now(),
	}
	if first.Value != nil {
		reading.Value = *first.Value
	}
	return reading, nil
}

// consumptionRequestURL builds {base}/{sectionId}/consumptions/weekly?year=Y&month=M&day=D
func (c *Client) consumptionRequestURL(sectionID string, date time.Time) (string, error) {
	u, err := url.Parse(c.consumptionURL)
	if err != nil {
		return "", fmt.Errorf("parsing consumption URL: %w", err)
	}
	u = u.JoinPath(url.PathEscape(sectionID), "consumptions", "weekly")

	params := url.Values{}
	params.Set("year", strconv.Itoa(date.Year()))
	params.Set("month", strconv.Itoa(int(date.Month())))
	params.Set("day", strconv.Itoa(date.Day()))
	u.RawQuery = params.Encode()

	return u.String(), nil
}

// flexInt decodes a JSON number or a numeric string
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing %q as integer: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// flexString decodes a JSON string or number as a string
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
