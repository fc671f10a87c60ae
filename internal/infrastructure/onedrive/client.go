// Package onedrive implements remote.Adapter over the Microsoft Graph API.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

const (
	// RootID addresses the root folder of the signed-in user's drive
	RootID = "root"

	// SimpleUploadLimit is the largest file sent in a single PUT
	SimpleUploadLimit = 4 << 20
	// UploadChunkSize is a multiple of the 320 KiB granularity Graph requires
	UploadChunkSize = 32 * 320 * 1024

	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize       = 200
)

// APIError is a non-success Graph response
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error: %s (status: %d)", e.Op, e.Body, e.StatusCode)
}

// HTTPStatusCode lets retry classification inspect the status
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Unwrap maps 404 responses to remote.ErrNodeNotFound
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return remote.ErrNodeNotFound
	}
	return nil
}

// DriveItem represents a OneDrive item (file or folder)
type DriveItem struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Size                 int64           `json:"size"`
	LastModifiedDateTime time.Time       `json:"lastModifiedDateTime"`
	File                 *FileMetadata   `json:"file,omitempty"`
	Folder               *FolderMetadata `json:"folder,omitempty"`
}

// FileMetadata represents file-specific metadata
type FileMetadata struct {
	MimeType string `json:"mimeType"`
}

// FolderMetadata represents folder-specific metadata
type FolderMetadata struct {
	ChildCount int `json:"childCount"`
}

// DriveQuota represents drive quota information
type DriveQuota struct {
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Deleted   int64  `json:"deleted"`
	State     string `json:"state"`
}

// Drive represents a OneDrive drive
type Drive struct {
	ID        string     `json:"id"`
	DriveType string     `json:"driveType"`
	Quota     DriveQuota `json:"quota"`
}

// UploadSession represents an upload session for large files
type UploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type children struct {
	Value    []DriveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type copyStatus struct {
	Status     string `json:"status"`
	ResourceID string `json:"resourceId"`
}

// Config holds client settings
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// PollInterval is the wait between copy monitor polls
	PollInterval time.Duration
}

// Client is a Graph API client for one account
type Client struct {
	httpClient   *http.Client
	monitor      *http.Client
	tokens       TokenSource
	baseURL      string
	pollInterval time.Duration
}

// NewClient creates a new OneDrive client
func NewClient(tokens TokenSource, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// no overall timeout: uploads and downloads stream for as long as they need
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	monitor := *cfg.HTTPClient
	monitor.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		httpClient:   cfg.HTTPClient,
		monitor:      &monitor,
		tokens:       tokens,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pollInterval: cfg.PollInterval,
	}
}

// NewAccountClient builds a client for a stored account, refreshing its
// token through auth and reporting new credentials to onRefresh
func NewAccountClient(account *types.StorageAccount, cfg Config, onRefresh func(Token)) *Client {
	var tokens TokenSource = StaticToken(account.AccessToken)
	if account.RefreshToken != "" {
		auth := NewAuth(AuthConfig{
			ClientID:     account.ClientID,
			ClientSecret: account.ClientSecret,
			TenantID:     account.TenantID,
			LoginURL:     account.Setting("login_url", ""),
		})
		tokens = NewRefreshingToken(auth, Token{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
			Expires:      account.TokenExpires,
		}, onRefresh)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = account.Setting("base_url", "")
	}
	return NewClient(tokens, cfg)
}

func itemPath(id string) string {
	return "/me/drive/items/" + url.PathEscape(id)
}

func childPath(parentID, name string) string {
	return itemPath(parentID) + ":/" + url.PathEscape(name) + ":"
}

// do sends an authenticated request to a Graph path or absolute URL and
// decodes a JSON response into out when out is non-nil
func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader, contentType string, out any, ok ...int) (*http.Response, error) {
	if !strings.HasPrefix(target, "http") {
		target = c.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Errorf("%s: failed to create request: %w", op, err)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, errors.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Errorf("%s: failed to execute request: %w", op, err)
	}
	if err := checkStatus(op, resp, ok...); err != nil {
		return nil, err
	}
	if out == nil {
		return resp, nil
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, errors.Errorf("%s: failed to decode response: %w", op, err)
	}
	return resp, nil
}

func checkStatus(op string, resp *http.Response, ok ...int) error {
	if len(ok) == 0 {
		ok = []int{http.StatusOK, http.StatusCreated}
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return errors.WithStack(&APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)})
}

func toNode(item DriveItem) remote.Node {
	return remote.Node{
		ID:       item.ID,
		Name:     item.Name,
		IsFolder: item.Folder != nil,
		Size:     item.Size,
		Modified: item.LastModifiedDateTime,
	}
}

// Provider implements remote.Adapter
func (c *Client) Provider() string {
	return types.ProviderOneDrive
}

// GetDrive retrieves drive information
func (c *Client) GetDrive(ctx context.Context) (*Drive, error) {
	var drive Drive
	if _, err := c.do(ctx, "get drive", http.MethodGet, "/me/drive", nil, "", &drive); err != nil {
		return nil, err
	}
	return &drive, nil
}

// ListFolder implements remote.Adapter. The page token is the next link
// returned by the previous page.
func (c *Client) ListFolder(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	target := pageToken
	if target == "" {
		target = fmt.Sprintf("%s/children?$top=%d", itemPath(folderID), pageSize)
	}
	var out children
	if _, err := c.do(ctx, "list "+folderID, http.MethodGet, target, nil, "", &out); err != nil {
		return remote.Page{}, err
	}
	page := remote.Page{NextPageToken: out.NextLink, Nodes: make([]remote.Node, 0, len(out.Value))}
	for _, item := range out.Value {
		page.Nodes = append(page.Nodes, toNode(item))
	}
	return page, nil
}

// UploadStream implements remote.Adapter. Small files go up in one request,
// larger ones through an upload session with the token checked per chunk.
func (c *Client) UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	if size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		r, size = bytes.NewReader(data), int64(len(data))
	}
	if size <= SimpleUploadLimit {
		return c.uploadSmall(ctx, name, r, size, parentID)
	}
	return c.uploadSession(ctx, name, r, size, parentID, tok)
}

func (c *Client) uploadSmall(ctx context.Context, name string, r io.Reader, size int64, parentID string) (string, error) {
	contentType, r := remote.SniffContentType(name, r)
	var item DriveItem
	_, err := c.do(ctx, "upload "+name, http.MethodPut, childPath(parentID, name)+"/content",
		io.LimitReader(r, size), contentType, &item)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// CreateUploadSession creates an upload session for large files
func (c *Client) CreateUploadSession(ctx context.Context, parentID, name string) (*UploadSession, error) {
	body, _ := json.Marshal(map[string]any{
		"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
	})
	var session UploadSession
	_, err := c.do(ctx, "create upload session "+name, http.MethodPost,
		childPath(parentID, name)+"/createUploadSession", bytes.NewReader(body), "application/json", &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) uploadSession(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	session, err := c.CreateUploadSession(ctx, parentID, name)
	if err != nil {
		return "", err
	}

	buf := make([]byte, UploadChunkSize)
	var offset int64
	for offset < size {
		if err := tok.Err(); err != nil {
			c.cancelSession(session.UploadURL)
			return "", err
		}
		n := int64(len(buf))
		if size-offset < n {
			n = size - offset
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			c.cancelSession(session.UploadURL)
			if stop := tok.Err(); stop != nil {
				return "", stop
			}
			return "", errors.Errorf("read chunk at %d of %s: %w", offset, name, err)
		}
		item, err := c.UploadChunk(ctx, session.UploadURL, buf[:n], offset, offset+n-1, size)
		if err != nil {
			return "", err
		}
		offset += n
		if offset == size {
			if item == nil {
				return "", errors.Errorf("upload %s: session finished without an item", name)
			}
			return item.ID, nil
		}
	}
	return "", errors.Errorf("upload %s: nothing to send", name)
}

// UploadChunk uploads a chunk to an upload session. The final chunk returns the created item.
func (c *Client) UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rangeStart, rangeEnd, totalSize int64) (*DriveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return nil, errors.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, totalSize))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Errorf("failed to execute request: %w", err)
	}
	// 202 for intermediate chunks, 200/201 once the file is complete
	if err := checkStatus("upload chunk", resp, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	var item DriveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, errors.Errorf("failed to decode response: %w", err)
	}
	return &item, nil
}

// cancelSession releases an abandoned upload session
func (c *Client) cancelSession(uploadURL string) {
	ctx, cancelReq := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return
	}
	if resp, err := c.httpClient.Do(req); err == nil {
		resp.Body.Close()
	}
}

// DownloadStream implements remote.Adapter. Graph redirects the content
// request to a pre-authenticated URL.
func (c *Client) DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, "download "+nodeID, http.MethodGet, itemPath(nodeID)+"/content", nil, "", nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CreateFolder implements remote.Adapter
func (c *Client) CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error) {
	if checkDuplicates {
		existing, found, err := remote.FindChild(ctx, c, parentID, name, true)
		if err != nil {
			return "", err
		}
		if found {
			return existing.ID, nil
		}
	}
	body, _ := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	var item DriveItem
	_, err := c.do(ctx, "create folder "+name, http.MethodPost, itemPath(parentID)+"/children",
		bytes.NewReader(body), "application/json", &item)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// DeleteNode implements remote.Adapter
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "delete "+id, http.MethodDelete, itemPath(id), nil, "", nil, http.StatusNoContent, http.StatusOK)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// MoveNode implements remote.Adapter
func (c *Client) MoveNode(ctx context.Context, id, newParentID, newName string) error {
	patch := map[string]any{"parentReference": map[string]string{"id": newParentID}}
	if newName != "" {
		patch["name"] = newName
	}
	body, _ := json.Marshal(patch)
	_, err := c.do(ctx, "move "+id, http.MethodPatch, itemPath(id), bytes.NewReader(body), "application/json", &DriveItem{})
	return err
}

// CopyFileNative implements remote.Adapter with the asynchronous Graph copy
// action, polling its monitor URL until the new item exists
func (c *Client) CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"parentReference": map[string]string{"id": destParentID},
		"name":            newName,
	})
	resp, err := c.do(ctx, "copy "+sourceID, http.MethodPost, itemPath(sourceID)+"/copy",
		bytes.NewReader(body), "application/json", nil, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	monitorURL := resp.Header.Get("Location")
	if monitorURL == "" {
		return "", errors.Errorf("copy %s: no monitor url", sourceID)
	}

	for {
		status, err := c.pollCopy(ctx, monitorURL)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "completed":
			return status.ResourceID, nil
		case "failed", "cancelled":
			return "", errors.Errorf("copy %s: %s", sourceID, status.Status)
		}
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return "", errors.WithStack(ctx.Err())
		}
	}
}

// pollCopy reads the monitor resource, which needs no authorization. A
// finished copy may answer with a redirect to the new item.
func (c *Client) pollCopy(ctx context.Context, monitorURL string) (copyStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, monitorURL, nil)
	if err != nil {
		return copyStatus{}, errors.Errorf("failed to create request: %w", err)
	}
	resp, err := c.monitor.Do(req)
	if err != nil {
		return copyStatus{}, errors.Errorf("poll copy: %w", err)
	}
	if err := checkStatus("poll copy", resp, http.StatusOK, http.StatusAccepted, http.StatusSeeOther); err != nil {
		return copyStatus{}, err
	}
	defer resp.Body.Close()

	var status copyStatus
	_ = json.NewDecoder(resp.Body).Decode(&status)
	if resp.StatusCode == http.StatusSeeOther {
		status.Status = "completed"
		if status.ResourceID == "" {
			status.ResourceID = path.Base(resp.Header.Get("Location"))
		}
	}
	return status, nil
}

// GetFileMetadata implements remote.Adapter
func (c *Client) GetFileMetadata(ctx context.Context, id string) (remote.Metadata, error) {
	var item DriveItem
	if _, err := c.do(ctx, "stat "+id, http.MethodGet, itemPath(id), nil, "", &item); err != nil {
		return remote.Metadata{}, err
	}
	return remote.Metadata{ID: item.ID, Name: item.Name, Size: item.Size, IsFolder: item.Folder != nil}, nil
}

// GetStorageQuota implements remote.Adapter
func (c *Client) GetStorageQuota(ctx context.Context) (remote.Quota, error) {
	drive, err := c.GetDrive(ctx)
	if err != nil {
		return remote.Quota{}, err
	}
	return remote.Quota{Used: drive.Quota.Used, Total: drive.Quota.Total}, nil
}

var _ remote.Adapter = (*Client)(nil)
