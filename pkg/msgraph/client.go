// Copyright 2024-2026 Aiku AI

// Package msgraph is a small Microsoft Graph v1.0 client covering the chat,
// subscription, drive and directory endpoints used by the bridge.
//
// Every delegated call takes the caller's access token explicitly; the
// client itself holds no per-user state.
package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

const (
	DefaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultUserAgent = "teams-mattermost-bridge"
)

// DefaultScopes are the delegated permissions requested at login.
var DefaultScopes = []string{
	"offline_access",
	"User.Read",
	"User.ReadBasic.All",
	"Chat.ReadWrite",
	"ChatMember.ReadWrite",
	"Files.ReadWrite",
}

// Config holds the Azure AD application settings.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// BaseURL overrides the Graph endpoint, mainly for tests.
	BaseURL string
	// AuthorityURL overrides https://login.microsoftonline.com.
	AuthorityURL string
	Timeout      time.Duration
}

// Client talks to Microsoft Graph.
type Client struct {
	baseURL string
	// http serves the token endpoints. Graph calls go through api.
	http    *http.Client
	api     *retry.Client
	oauth   *oauth2.Config
	app     *clientcredentials.Config
	log     zerolog.Logger
}

// NewClient creates a Graph client. Retry options tune the retrying client
// used for Graph API calls.
func NewClient(cfg Config, log zerolog.Logger, opts ...retry.Option) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	endpoint := microsoft.AzureADEndpoint(cfg.TenantID)
	if cfg.AuthorityURL != "" {
		authority := strings.TrimRight(cfg.AuthorityURL, "/") + "/" + cfg.TenantID
		endpoint = oauth2.Endpoint{
			AuthURL:  authority + "/oauth2/v2.0/authorize",
			TokenURL: authority + "/oauth2/v2.0/token",
		}
	}

	api, err := newRetryClient(&http.Client{
		Timeout:   timeout,
		Transport: &authTransport{base: http.DefaultTransport},
	}, opts)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		api:     api,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		app: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		},
		log: log.With().Str("component", "msgraph").Logger(),
	}, nil
}

// BaseURL returns the Graph endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// doJSON sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, token, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, token, method, path, contentType, reader, out)
}

func (c *Client) do(ctx context.Context, token, method, path, contentType string, body io.Reader, out any) error {
	send := c.api.Get
	switch method {
	case http.MethodGet:
	case http.MethodPost:
		send = c.api.Post
	case http.MethodPut:
		send = c.api.Put
	case http.MethodPatch:
		send = c.api.Patch
	case http.MethodDelete:
		send = c.api.Delete
	default:
		return fmt.Errorf("unsupported method %s", method)
	}

	ctx = withToken(ctx, token)
	start := time.Now()
	var resp *http.Response
	var err error
	if body != nil {
		resp, err = send(ctx, c.url(path), retry.WithBody(contentType, body))
	} else {
		resp, err = send(ctx, c.url(path))
	}
	if err != nil {
		return fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Graph request")

	if resp.StatusCode >= 300 {
		return parseAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// listAll follows @odata.nextLink until the collection is exhausted.
func listAll[T any](ctx context.Context, c *Client, token, path string) ([]T, error) {
	var out []T
	for path != "" {
		var p page[T]
		if err := c.doJSON(ctx, token, http.MethodGet, path, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Value...)
		path = p.NextLink
	}
	return out, nil
}

// userBind is the @odata.bind reference for a directory user.
func (c *Client) userBind(userID string) string {
	return fmt.Sprintf("%s/users('%s')", c.baseURL, userID)
}
