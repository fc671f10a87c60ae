package storage

import (
	"context"
	"io"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/shirou/gopsutil/v3/disk"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

// RootID is the node id of the root of a local filesystem
const RootID = "/"

// LocalStorage exposes a local directory tree as a remote adapter. Node ids
// are slash separated paths from the root.
type LocalStorage struct {
	fs    billy.Filesystem
	quota func(ctx context.Context) (remote.Quota, error)
}

// NewLocalStorage creates local storage rooted at basePath on the OS filesystem
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create base directory if not exists
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Errorf("failed to create storage directory: %w", err)
	}
	s := NewLocalStorageFS(osfs.New(basePath))
	s.quota = func(ctx context.Context) (remote.Quota, error) {
		usage, err := disk.UsageWithContext(ctx, basePath)
		if err != nil {
			return remote.Quota{}, errors.Errorf("disk usage of %s: %w", basePath, err)
		}
		return remote.Quota{Used: int64(usage.Used), Total: int64(usage.Total)}, nil
	}
	return s, nil
}

// NewLocalStorageFS wraps any billy filesystem, such as memfs in tests
func NewLocalStorageFS(fs billy.Filesystem) *LocalStorage {
	return &LocalStorage{fs: fs}
}

// Filesystem returns the underlying filesystem
func (s *LocalStorage) Filesystem() billy.Filesystem {
	return s.fs
}

// Provider implements remote.Adapter
func (s *LocalStorage) Provider() string {
	return types.ProviderLocal
}

func clean(id string) string {
	return path.Clean("/" + id)
}

// ListFolder implements remote.Adapter. Local listings are never paged.
func (s *LocalStorage) ListFolder(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	dir := clean(folderID)
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return remote.Page{}, wrapNotExist("list "+dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := make([]remote.Node, 0, len(entries))
	for _, e := range entries {
		n := remote.Node{
			ID:       path.Join(dir, e.Name()),
			Name:     e.Name(),
			IsFolder: e.IsDir(),
			Modified: e.ModTime(),
		}
		if !e.IsDir() {
			n.Size = e.Size()
		}
		nodes = append(nodes, n)
	}
	return remote.Page{Nodes: nodes}, nil
}

// UploadStream implements remote.Adapter. A failed write removes the partial file.
func (s *LocalStorage) UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	target := path.Join(clean(parentID), name)
	f, err := s.fs.Create(target)
	if err != nil {
		return "", errors.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(target)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errors.Errorf("close %s: %w", target, err)
	}
	return target, nil
}

// DownloadStream implements remote.Adapter
func (s *LocalStorage) DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error) {
	f, err := s.fs.Open(clean(nodeID))
	if err != nil {
		return nil, wrapNotExist("open "+nodeID, err)
	}
	return f, nil
}

// CreateFolder implements remote.Adapter
func (s *LocalStorage) CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error) {
	target := path.Join(clean(parentID), name)
	if info, err := s.fs.Stat(target); err == nil && info.IsDir() && !checkDuplicates {
		return "", errors.Errorf("create folder %s: already exists", target)
	}
	if err := s.fs.MkdirAll(target, 0o755); err != nil {
		return "", errors.Errorf("create folder %s: %w", target, err)
	}
	return target, nil
}

// DeleteNode implements remote.Adapter
func (s *LocalStorage) DeleteNode(ctx context.Context, id string) error {
	target := clean(id)
	if _, err := s.fs.Stat(target); err != nil {
		return wrapNotExist("delete "+target, err)
	}
	if err := util.RemoveAll(s.fs, target); err != nil {
		return errors.Errorf("delete %s: %w", target, err)
	}
	return nil
}

// MoveNode implements remote.Adapter
func (s *LocalStorage) MoveNode(ctx context.Context, id, newParentID, newName string) error {
	src := clean(id)
	if newName == "" {
		newName = path.Base(src)
	}
	dst := path.Join(clean(newParentID), newName)
	if err := s.fs.Rename(src, dst); err != nil {
		return wrapNotExist("move "+src, err)
	}
	return nil
}

// CopyFileNative implements remote.Adapter. A local copy moves the same
// bytes as a streamed one, and node ids of two local accounts are
// indistinguishable, so the copier always streams.
func (s *LocalStorage) CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error) {
	return "", errors.WithStack(remote.ErrNativeCopyUnsupported)
}

// GetFileMetadata implements remote.Adapter
func (s *LocalStorage) GetFileMetadata(ctx context.Context, id string) (remote.Metadata, error) {
	target := clean(id)
	info, err := s.fs.Stat(target)
	if err != nil {
		return remote.Metadata{}, wrapNotExist("stat "+target, err)
	}
	m := remote.Metadata{ID: target, Name: info.Name(), IsFolder: info.IsDir()}
	if !info.IsDir() {
		m.Size = info.Size()
	}
	return m, nil
}

// GetStorageQuota implements remote.Adapter. Filesystems without a volume
// report an unknown total.
func (s *LocalStorage) GetStorageQuota(ctx context.Context) (remote.Quota, error) {
	if s.quota == nil {
		return remote.Quota{}, nil
	}
	return s.quota(ctx)
}

func wrapNotExist(op string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return errors.Errorf("%s: %w", op, remote.ErrNodeNotFound)
	}
	return errors.Errorf("%s: %w", op, err)
}

var _ remote.Adapter = (*LocalStorage)(nil)
