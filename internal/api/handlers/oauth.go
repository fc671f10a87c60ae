package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/service/account"
)

// OAuthHandler handles the OneDrive OAuth flow
type OAuthHandler struct {
	accountService *account.Service
	baseURL        string
	apiPrefix      string
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(accountService *account.Service, baseURL, apiPrefix string) *OAuthHandler {
	return &OAuthHandler{
		accountService: accountService,
		baseURL:        baseURL,
		apiPrefix:      apiPrefix,
	}
}

// getRedirectURI returns the OAuth redirect URI, using baseURL if set, otherwise from request
func (h *OAuthHandler) getRedirectURI(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL + h.apiPrefix + "/oauth/callback"
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	// reverse proxies
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}

	return fmt.Sprintf("%s://%s%s/oauth/callback", scheme, host, h.apiPrefix)
}

// Authorize handles GET /oauth/authorize/{id}
// Redirects user to Microsoft login page
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.accountService.AuthorizationURL(r.Context(), mux.Vars(r)["id"], h.getRedirectURI(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /oauth/callback
// Receives authorization code from Microsoft and exchanges for tokens
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errorCode := q.Get("error"); errorCode != "" {
		handleError(w, r, apperrors.InvalidRequest(fmt.Sprintf("OAuth error: %s - %s", errorCode, q.Get("error_description"))))
		return
	}

	code := q.Get("code")
	state := q.Get("state") // account id
	if code == "" || state == "" {
		handleError(w, r, apperrors.InvalidRequest("Missing code or state parameter"))
		return
	}

	if err := h.accountService.CompleteAuthorization(r.Context(), state, code, h.getRedirectURI(r)); err != nil {
		handleError(w, r, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// TokenStatus handles GET /oauth/status/{id}
func (h *OAuthHandler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accountService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            acc.ID,
		"name":          acc.Name,
		"email":         acc.Email,
		"status":        acc.Status,
		"has_token":     acc.AccessToken != "",
		"token_expires": acc.TokenExpires,
		"is_expired":    time.Now().After(acc.TokenExpires),
		"total_space":   acc.TotalSpace,
		"used_space":    acc.UsedSpace,
	})
}
