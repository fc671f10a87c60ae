package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

const scope = "offline_access Files.ReadWrite.All"

// refreshMargin is how long before expiry an access token is replaced
const refreshMargin = 5 * time.Minute

// TokenResponse represents OAuth2 token response
type TokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// AuthConfig represents OAuth2 configuration
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string
	// LoginURL overrides https://login.microsoftonline.com in tests
	LoginURL string
}

// Auth handles OneDrive OAuth2 authentication
type Auth struct {
	config     AuthConfig
	httpClient *http.Client
}

// NewAuth creates a new Auth instance
func NewAuth(config AuthConfig) *Auth {
	if config.TenantID == "" {
		config.TenantID = "common"
	}
	if config.LoginURL == "" {
		config.LoginURL = "https://login.microsoftonline.com"
	}
	return &Auth{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (a *Auth) endpoint(name string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/%s", strings.TrimRight(a.config.LoginURL, "/"), a.config.TenantID, name)
}

// GetAuthorizationURL returns the URL for user authorization
func (a *Auth) GetAuthorizationURL(state string) string {
	params := url.Values{}
	params.Add("client_id", a.config.ClientID)
	params.Add("response_type", "code")
	params.Add("redirect_uri", a.config.RedirectURI)
	params.Add("response_mode", "query")
	params.Add("scope", scope)
	params.Add("state", state)
	return a.endpoint("authorize") + "?" + params.Encode()
}

// ExchangeCode exchanges authorization code for access token
func (a *Auth) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("code", code)
	data.Set("redirect_uri", a.config.RedirectURI)
	data.Set("grant_type", "authorization_code")
	return a.token(ctx, data)
}

// RefreshToken refreshes an access token using a refresh token
func (a *Auth) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")
	return a.token(ctx, data)
}

func (a *Auth) token(ctx context.Context, data url.Values) (*TokenResponse, error) {
	data.Set("client_id", a.config.ClientID)
	data.Set("client_secret", a.config.ClientSecret)
	data.Set("scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("token"), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.WithStack(&APIError{StatusCode: resp.StatusCode, Body: string(body), Op: "token " + data.Get("grant_type")})
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, errors.Errorf("failed to decode response: %w", err)
	}
	return &tokenResp, nil
}

// Token is the credential state of one account
type Token struct {
	AccessToken  string
	RefreshToken string
	Expires      time.Time
}

// TokenSource yields a valid access token for every request
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never refreshes
type StaticToken string

// AccessToken implements TokenSource
func (s StaticToken) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// RefreshingToken refreshes the access token shortly before it expires and
// reports new credentials through onRefresh so they can be persisted
type RefreshingToken struct {
	auth      *Auth
	onRefresh func(Token)
	now       func() time.Time

	mu  sync.Mutex
	tok Token
}

// NewRefreshingToken creates a TokenSource backed by auth
func NewRefreshingToken(auth *Auth, tok Token, onRefresh func(Token)) *RefreshingToken {
	return &RefreshingToken{auth: auth, tok: tok, onRefresh: onRefresh, now: time.Now}
}

// AccessToken implements TokenSource
func (r *RefreshingToken) AccessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tok.AccessToken != "" && r.now().Add(refreshMargin).Before(r.tok.Expires) {
		return r.tok.AccessToken, nil
	}
	if r.tok.RefreshToken == "" {
		return "", errors.New("access token expired and no refresh token available")
	}

	resp, err := r.auth.RefreshToken(ctx, r.tok.RefreshToken)
	if err != nil {
		return "", err
	}
	r.tok.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		r.tok.RefreshToken = resp.RefreshToken
	}
	r.tok.Expires = r.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if r.onRefresh != nil {
		r.onRefresh(r.tok)
	}
	return r.tok.AccessToken, nil
}
