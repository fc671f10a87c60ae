// Package remote defines the per-account storage adapter contract shared by
// every provider and the registry that resolves accounts to adapters.
package remote

import (
	"context"
	"io"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/core/cancel"
)

// ErrNativeCopyUnsupported is returned by CopyFileNative when the provider has no server-side copy
var ErrNativeCopyUnsupported = errors.Base("native copy not supported")

// ErrNodeNotFound is returned when a node id does not resolve
var ErrNodeNotFound = errors.Base("node not found")

// Node is one entry of a folder listing
type Node struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsFolder bool      `json:"is_folder"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified,omitempty"`
}

// Page is one page of a folder listing. An empty NextPageToken ends the listing.
type Page struct {
	Nodes         []Node
	NextPageToken string
}

// Metadata describes a single node
type Metadata struct {
	ID       string
	Name     string
	Size     int64
	IsFolder bool
}

// Quota is the storage usage of an account. Total is 0 when unknown.
type Quota struct {
	Used  int64
	Total int64
}

// Adapter is the remote I/O boundary of one account
type Adapter interface {
	Provider() string
	ListFolder(ctx context.Context, folderID, pageToken string) (Page, error)
	UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error)
	DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error)
	CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error)
	DeleteNode(ctx context.Context, id string) error
	MoveNode(ctx context.Context, id, newParentID, newName string) error
	CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error)
	GetFileMetadata(ctx context.Context, id string) (Metadata, error)
	GetStorageQuota(ctx context.Context) (Quota, error)
}

// ListAll follows page tokens until the listing is exhausted
func ListAll(ctx context.Context, a Adapter, folderID string) ([]Node, error) {
	var nodes []Node
	token := ""
	for {
		page, err := a.ListFolder(ctx, folderID, token)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, page.Nodes...)
		if page.NextPageToken == "" {
			return nodes, nil
		}
		token = page.NextPageToken
	}
}

// FindChild returns the folder child with the given name, if any
func FindChild(ctx context.Context, a Adapter, parentID, name string, folder bool) (Node, bool, error) {
	nodes, err := ListAll(ctx, a, parentID)
	if err != nil {
		return Node{}, false, err
	}
	for _, n := range nodes {
		if n.Name == name && n.IsFolder == folder {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}
