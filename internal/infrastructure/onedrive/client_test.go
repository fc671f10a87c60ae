package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/remote"
)

// graph is a scripted subset of the Graph API
type graph struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	ranges       []string
	uploaded     []byte
	sessionGone  bool
	contentType  string
	monitorPolls int
}

func newGraph(t *testing.T) *graph {
	g := &graph{t: t}
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, "/me/") && req.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/me/drive", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Drive{ID: "d1", Quota: DriveQuota{Used: 40, Total: 100}})
	}).Methods(http.MethodGet)

	r.HandleFunc("/me/drive/items/root/children", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, children{
			Value:    []DriveItem{{ID: "1", Name: "a"}, {ID: "2", Name: "docs", Folder: &FolderMetadata{}}},
			NextLink: g.srv.URL + "/me/drive/items/root/children/page2",
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/me/drive/items/root/children/page2", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, children{Value: []DriveItem{{ID: "3", Name: "b", Size: 7}}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/me/drive/items/root/children", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, DriveItem{ID: "folder-" + body["name"].(string), Folder: &FolderMetadata{}})
	}).Methods(http.MethodPost)

	r.HandleFunc("/me/drive/items/{parent}:/{name}:/content", func(w http.ResponseWriter, req *http.Request) {
		data, _ := io.ReadAll(req.Body)
		g.mu.Lock()
		g.uploaded = data
		g.contentType = req.Header.Get("Content-Type")
		g.mu.Unlock()
		writeJSON(w, http.StatusCreated, DriveItem{ID: "small-" + mux.Vars(req)["name"], Size: int64(len(data))})
	}).Methods(http.MethodPut)

	r.HandleFunc("/me/drive/items/{parent}:/{name}:/createUploadSession", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, UploadSession{UploadURL: g.srv.URL + "/upload/s1"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/upload/s1", func(w http.ResponseWriter, req *http.Request) {
		data, _ := io.ReadAll(req.Body)
		cr := req.Header.Get("Content-Range")
		g.mu.Lock()
		g.ranges = append(g.ranges, cr)
		g.uploaded = append(g.uploaded, data...)
		g.mu.Unlock()
		var start, end, total int64
		fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total)
		if end+1 < total {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusCreated, DriveItem{ID: "big", Size: total})
	}).Methods(http.MethodPut)
	r.HandleFunc("/upload/s1", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		g.sessionGone = true
		g.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	r.HandleFunc("/me/drive/items/src/copy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", g.srv.URL+"/monitor/1")
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/monitor/1", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		g.monitorPolls++
		polls := g.monitorPolls
		g.mu.Unlock()
		if polls < 3 {
			writeJSON(w, http.StatusAccepted, copyStatus{Status: "inProgress"})
			return
		}
		writeJSON(w, http.StatusOK, copyStatus{Status: "completed", ResourceID: "copied"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/me/drive/items/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"itemNotFound"}}`))
	})
	r.HandleFunc("/me/drive/items/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	g.srv = httptest.NewServer(r)
	t.Cleanup(g.srv.Close)
	return g
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *graph) client() *Client {
	return NewClient(StaticToken("tok"), Config{BaseURL: g.srv.URL, PollInterval: time.Millisecond})
}

func TestClient_ListFollowsNextLink(t *testing.T) {
	g := newGraph(t)

	nodes, err := remote.ListAll(context.Background(), g.client(), RootID)

	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.True(t, nodes[1].IsFolder)
	assert.Equal(t, int64(7), nodes[2].Size)
}

func TestClient_SmallUploadSniffsContentType(t *testing.T) {
	g := newGraph(t)
	body := "plain text content"

	id, err := g.client().UploadStream(context.Background(), "notes.txt", strings.NewReader(body), int64(len(body)), RootID, cancel.NewToken())

	require.NoError(t, err)
	assert.Equal(t, "small-notes.txt", id)
	assert.Equal(t, body, string(g.uploaded))
	assert.Contains(t, g.contentType, "text/plain")
}

func TestClient_LargeUploadUsesSessionChunks(t *testing.T) {
	g := newGraph(t)
	size := int64(UploadChunkSize + 100)

	id, err := g.client().UploadStream(context.Background(), "big.bin", io.LimitReader(zeros{}, size), size, RootID, cancel.NewToken())

	require.NoError(t, err)
	assert.Equal(t, "big", id)
	assert.Equal(t, []string{
		fmt.Sprintf("bytes 0-%d/%d", UploadChunkSize-1, size),
		fmt.Sprintf("bytes %d-%d/%d", UploadChunkSize, size-1, size),
	}, g.ranges)
	assert.Len(t, g.uploaded, int(size))
}

func TestClient_CancelledUploadReleasesSession(t *testing.T) {
	g := newGraph(t)
	size := int64(UploadChunkSize + 100)
	tok := cancel.NewToken()
	tok.Cancel()

	_, err := g.client().UploadStream(context.Background(), "big.bin", io.LimitReader(zeros{}, size), size, RootID, tok)

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.True(t, g.sessionGone)
	assert.Empty(t, g.ranges)
}

func TestClient_NativeCopyPollsMonitor(t *testing.T) {
	g := newGraph(t)

	id, err := g.client().CopyFileNative(context.Background(), "src", RootID, "copy.bin")

	require.NoError(t, err)
	assert.Equal(t, "copied", id)
	assert.Equal(t, 3, g.monitorPolls)
}

func TestClient_CreateFolder(t *testing.T) {
	g := newGraph(t)

	id, err := g.client().CreateFolder(context.Background(), "new", RootID, false)
	require.NoError(t, err)
	assert.Equal(t, "folder-new", id)

	id, err = g.client().CreateFolder(context.Background(), "docs", RootID, true)
	require.NoError(t, err)
	assert.Equal(t, "2", id, "existing folder reused")
}

func TestClient_ErrorClassification(t *testing.T) {
	g := newGraph(t)
	c := g.client()

	_, err := c.GetFileMetadata(context.Background(), "missing")
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)

	_, err = c.GetFileMetadata(context.Background(), "busy")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, retry.IsTransient(err))

	_, err = NewClient(StaticToken("wrong"), Config{BaseURL: g.srv.URL}).GetStorageQuota(context.Background())
	assert.False(t, retry.IsTransient(err), "401 is not retried")
}

func TestClient_Quota(t *testing.T) {
	g := newGraph(t)

	q, err := g.client().GetStorageQuota(context.Background())

	require.NoError(t, err)
	assert.Equal(t, remote.Quota{Used: 40, Total: 100}, q)
}

func TestRefreshingToken(t *testing.T) {
	var calls int
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "/tenant/oauth2/v2.0/token", r.URL.Path)
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "fresh", RefreshToken: "new-refresh", ExpiresIn: 3600})
	}))
	defer login.Close()

	var saved Token
	auth := NewAuth(AuthConfig{ClientID: "c", TenantID: "tenant", LoginURL: login.URL})
	src := NewRefreshingToken(auth, Token{AccessToken: "stale", RefreshToken: "old-refresh", Expires: time.Now().Add(time.Minute)},
		func(tok Token) { saved = tok })

	tok, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, "new-refresh", saved.RefreshToken)

	tok, err = src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, calls, "valid token is reused")
}

func TestAuthorizationURL(t *testing.T) {
	auth := NewAuth(AuthConfig{ClientID: "cid", RedirectURI: "http://localhost/cb"})

	u := auth.GetAuthorizationURL("xyz")

	assert.True(t, strings.HasPrefix(u, "https://login.microsoftonline.com/common/oauth2/v2.0/authorize?"))
	assert.Contains(t, u, "state=xyz")
	assert.Contains(t, u, "offline_access")
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
