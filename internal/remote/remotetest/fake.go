// Package remotetest provides an in-memory remote.Adapter for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

// RootID is the id of the root folder of every fake
const RootID = "root"

// Gauge tracks how many operations are in flight and the peak seen
type Gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

// Enter records the start of an operation
func (g *Gauge) Enter() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
}

// Exit records the end of an operation
func (g *Gauge) Exit() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

// Peak returns the highest concurrent count observed
func (g *Gauge) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type node struct {
	id     string
	name   string
	parent string
	folder bool
	data   []byte
}

// Fake is a scripted in-memory adapter. Hooks and counters are safe to set
// before use and to read after the code under test returns.
type Fake struct {
	mu       sync.Mutex
	provider string
	nodes    map[string]*node
	seq      int

	// PageSize splits listings into pages when positive
	PageSize int
	// Delay is slept inside every operation that touches data
	Delay time.Duration
	// Gauge, when set, is entered for the duration of every operation
	Gauge *Gauge
	// Total is the reported quota total; 0 means unknown
	Total int64
	// UsedBase is added to the size of stored files in the reported quota
	UsedBase int64
	// NoNativeCopy makes CopyFileNative return ErrNativeCopyUnsupported
	NoNativeCopy bool

	NativeCopyErr error
	QuotaErr      error
	UploadErr     func(name string) error
	CreateErr     func(name string) error
	ListErr       func(folderID string) error
	WrapDownload  func(io.Reader) io.Reader

	DownloadOpens int
	NativeCopies  int
	Uploads       int
	ListCalls     int
	QuotaCalls    int
}

// New creates a fake with an empty root folder
func New(provider string) *Fake {
	return &Fake{
		provider: provider,
		nodes: map[string]*node{
			RootID: {id: RootID, name: "", folder: true},
		},
	}
}

// AddFolder creates a folder directly, bypassing hooks and counters
func (f *Fake) AddFolder(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(parentID, name, true, nil)
}

// AddFile creates a file directly, bypassing hooks and counters
func (f *Fake) AddFile(parentID, name string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(parentID, name, false, data)
}

func (f *Fake) add(parentID, name string, folder bool, data []byte) string {
	f.seq++
	id := fmt.Sprintf("%s-%d", f.provider, f.seq)
	f.nodes[id] = &node{id: id, name: name, parent: parentID, folder: folder, data: data}
	return id
}

// Data returns the content of a file
func (f *Fake) Data(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || n.folder {
		return nil, false
	}
	return n.data, true
}

// Lookup resolves a slash separated path below the root
func (f *Fake) Lookup(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := RootID
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		found := false
		for _, n := range f.nodes {
			if n.parent == id && n.name == part {
				id, found = n.id, true
				break
			}
		}
		if !found {
			return "", false
		}
	}
	return id, true
}

// Count returns the number of files and folders below the root
func (f *Fake) Count() (files, folders int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.nodes {
		if id == RootID {
			continue
		}
		if n.folder {
			folders++
		} else {
			files++
		}
	}
	return files, folders
}

func (f *Fake) enter(ctx context.Context) error {
	f.Gauge.Enter()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Fake) exit() {
	f.Gauge.Exit()
}

// Provider implements remote.Adapter
func (f *Fake) Provider() string {
	return f.provider
}

// ListFolder implements remote.Adapter
func (f *Fake) ListFolder(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	if err := f.enter(ctx); err != nil {
		return remote.Page{}, err
	}
	defer f.exit()

	f.mu.Lock()
	f.ListCalls++
	hook := f.ListErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(folderID); err != nil {
			return remote.Page{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[folderID]; !ok || !n.folder {
		return remote.Page{}, errors.WithStack(remote.ErrNodeNotFound)
	}

	var all []remote.Node
	for _, n := range f.nodes {
		if n.parent == folderID && n.id != RootID {
			all = append(all, remote.Node{ID: n.id, Name: n.name, IsFolder: n.folder, Size: int64(len(n.data))})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	if f.PageSize <= 0 {
		return remote.Page{Nodes: all}, nil
	}
	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &start)
	}
	end := start + f.PageSize
	if end >= len(all) {
		return remote.Page{Nodes: all[start:]}, nil
	}
	return remote.Page{Nodes: all[start:end], NextPageToken: fmt.Sprintf("%d", end)}, nil
}

// UploadStream implements remote.Adapter
func (f *Fake) UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	if err := f.enter(ctx); err != nil {
		return "", err
	}
	defer f.exit()

	f.mu.Lock()
	_, parentOK := f.nodes[parentID]
	hook := f.UploadErr
	f.mu.Unlock()
	if !parentOK {
		return "", errors.Errorf("upload %s: parent %s: %w", name, parentID, remote.ErrNodeNotFound)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := tok.Err(); err != nil {
		return "", err
	}
	if hook != nil {
		if err := hook(name); err != nil {
			return "", err
		}
		// the hook may have blocked while the task was paused or cancelled
		if err := tok.Err(); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads++
	return f.add(parentID, name, false, data), nil
}

// DownloadStream implements remote.Adapter
func (f *Fake) DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok || n.folder {
		return nil, errors.WithStack(remote.ErrNodeNotFound)
	}
	f.DownloadOpens++
	var r io.Reader = bytes.NewReader(n.data)
	if f.WrapDownload != nil {
		r = f.WrapDownload(r)
	}
	return io.NopCloser(r), nil
}

// CreateFolder implements remote.Adapter
func (f *Fake) CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error) {
	if err := f.enter(ctx); err != nil {
		return "", err
	}
	defer f.exit()

	f.mu.Lock()
	hook := f.CreateErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(name); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[parentID]; !ok {
		return "", errors.Errorf("create %s: parent %s: %w", name, parentID, remote.ErrNodeNotFound)
	}
	if checkDuplicates {
		for _, n := range f.nodes {
			if n.parent == parentID && n.name == name && n.folder {
				return n.id, nil
			}
		}
	}
	return f.add(parentID, name, true, nil), nil
}

// DeleteNode implements remote.Adapter
func (f *Fake) DeleteNode(ctx context.Context, id string) error {
	if err := f.enter(ctx); err != nil {
		return err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return errors.WithStack(remote.ErrNodeNotFound)
	}
	f.deleteTree(id)
	return nil
}

func (f *Fake) deleteTree(id string) {
	for cid, n := range f.nodes {
		if n.parent == id {
			f.deleteTree(cid)
		}
	}
	delete(f.nodes, id)
}

// MoveNode implements remote.Adapter
func (f *Fake) MoveNode(ctx context.Context, id, newParentID, newName string) error {
	if err := f.enter(ctx); err != nil {
		return err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return errors.WithStack(remote.ErrNodeNotFound)
	}
	if _, ok := f.nodes[newParentID]; !ok {
		return errors.WithStack(remote.ErrNodeNotFound)
	}
	n.parent = newParentID
	if newName != "" {
		n.name = newName
	}
	return nil
}

// CopyFileNative implements remote.Adapter
func (f *Fake) CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error) {
	if f.NoNativeCopy {
		return "", errors.WithStack(remote.ErrNativeCopyUnsupported)
	}
	if err := f.enter(ctx); err != nil {
		return "", err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NativeCopyErr != nil {
		return "", f.NativeCopyErr
	}
	src, ok := f.nodes[sourceID]
	if !ok || src.folder {
		return "", errors.WithStack(remote.ErrNodeNotFound)
	}
	f.NativeCopies++
	data := append([]byte(nil), src.data...)
	return f.add(destParentID, newName, false, data), nil
}

// GetFileMetadata implements remote.Adapter
func (f *Fake) GetFileMetadata(ctx context.Context, id string) (remote.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return remote.Metadata{}, errors.WithStack(remote.ErrNodeNotFound)
	}
	return remote.Metadata{ID: n.id, Name: n.name, Size: int64(len(n.data)), IsFolder: n.folder}, nil
}

// GetStorageQuota implements remote.Adapter
func (f *Fake) GetStorageQuota(ctx context.Context) (remote.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuotaCalls++
	if f.QuotaErr != nil {
		return remote.Quota{}, f.QuotaErr
	}
	used := f.UsedBase
	for _, n := range f.nodes {
		used += int64(len(n.data))
	}
	return remote.Quota{Used: used, Total: f.Total}, nil
}

var _ remote.Adapter = (*Fake)(nil)
