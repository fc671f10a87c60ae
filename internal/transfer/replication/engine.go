// Package replication copies folder trees between adapters. Folders are
// created before anything inside them, and a single weighted semaphore bounds
// the work in flight across the whole traversal.
package replication

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/semaphore"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/remote"
)

const (
	// DefaultConcurrency bounds in-flight operations of one traversal
	DefaultConcurrency = 5
	// DefaultListTimeout bounds a single folder listing
	DefaultListTimeout = 15 * time.Second
)

// DefaultExcludes are OS metadata files never worth copying
var DefaultExcludes = []string{"**/.DS_Store", "**/Thumbs.db", "**/desktop.ini"}

// Kind is the type of a queued operation
type Kind int

const (
	KindCreateFolder Kind = iota
	KindCopyFile
)

func (k Kind) String() string {
	if k == KindCreateFolder {
		return "createFolder"
	}
	return "copyFile"
}

// Operation is one unit of replication work
type Operation struct {
	Kind         Kind
	SourceID     string
	DestParentID string
	Name         string
	FileSize     int64
	// Path is the slash separated path below the replicated root
	Path string
}

// FileCopier copies the file described by op into op.DestParentID and
// returns the number of bytes moved
type FileCopier func(ctx context.Context, op Operation) (int64, error)

// Failure is a per-item error that did not stop the traversal
type Failure struct {
	Name string
	Err  error
}

func (f Failure) Error() string {
	return f.Name + ": " + f.Err.Error()
}

// Result summarises a traversal
type Result struct {
	FilesCopied    int
	FoldersCreated int
	BytesCopied    int64
	Failures       []Failure
	// RootID is the destination folder holding the copied tree
	RootID string
}

// Config holds engine settings
type Config struct {
	Concurrency int
	ListTimeout time.Duration
	Excludes    []string
	Retry       *retry.Config
	Logger      logger.Logger
}

// Request describes one traversal
type Request struct {
	Source         remote.Adapter
	SourceFolderID string
	Dest           remote.Adapter
	DestParentID   string
	// CreateRoot creates a folder named RootName under DestParentID and
	// copies into it; otherwise the contents land in DestParentID directly.
	CreateRoot bool
	RootName   string
	Token      *cancel.Token
	Copy       FileCopier
	// OnProgress receives bytes copied over bytes discovered, or finished
	// operations over discovered ones while no sizes are known
	OnProgress func(done, total int64)
}

// Engine runs replication traversals
type Engine struct {
	concurrency int64
	listTimeout time.Duration
	excludes    []string
	retry       *retry.Config
	log         logger.Logger
}

// New creates an engine, validating the exclude patterns
func New(cfg Config) (*Engine, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = DefaultListTimeout
	}
	if cfg.Excludes == nil {
		cfg.Excludes = DefaultExcludes
	}
	for _, p := range cfg.Excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf("invalid exclude pattern %q", p)
		}
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Engine{
		concurrency: int64(cfg.Concurrency),
		listTimeout: cfg.ListTimeout,
		excludes:    cfg.Excludes,
		retry:       cfg.Retry,
		log:         logger.OrGlobal(cfg.Logger),
	}, nil
}

// Excluded reports whether a relative path matches an exclude pattern
func (e *Engine) Excluded(rel string) bool {
	return matchAny(e.excludes, rel)
}

// WithExcludes returns an engine that also skips the extra patterns
func (e *Engine) WithExcludes(extra []string) (*Engine, error) {
	if len(extra) == 0 {
		return e, nil
	}
	for _, p := range extra {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf("invalid exclude pattern %q", p)
		}
	}
	c := *e
	c.excludes = append(append([]string(nil), e.excludes...), extra...)
	return &c, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

type run struct {
	e   *Engine
	req Request
	log logger.Logger

	mu       sync.Mutex
	queue    []Operation
	inFlight int
	destOf   map[string]string
	result   Result

	bytesTotal int64
	opsTotal   int64
	opsDone    int64

	wake chan struct{}
}

// Run replicates req.SourceFolderID into the destination. Per-item failures
// are collected in the result; a stopped token or a failure to create or list
// the root ends the traversal with an error.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req.Copy == nil {
		return Result{}, errors.New("replication requires a file copier")
	}
	if err := req.Token.Err(); err != nil {
		return Result{}, err
	}

	r := &run{
		e:      e,
		req:    req,
		log:    e.log.With(logger.String("source_folder", req.SourceFolderID)),
		destOf: make(map[string]string),
		wake:   make(chan struct{}, 1),
	}

	root := req.DestParentID
	if req.CreateRoot {
		id, err := r.createFolder(ctx, req.RootName, req.DestParentID)
		if err != nil {
			return Result{}, errors.Errorf("create root folder %s: %w", req.RootName, err)
		}
		root = id
		r.result.FoldersCreated++
	}
	r.result.RootID = root
	r.destOf[req.SourceFolderID] = root

	children, err := r.list(ctx, req.SourceFolderID)
	if err != nil {
		return r.result, errors.Errorf("list source folder: %w", err)
	}
	r.mu.Lock()
	r.enqueueChildren(req.SourceFolderID, "", children)
	r.mu.Unlock()

	err = r.loop(ctx)
	return r.result, err
}

func (r *run) loop(ctx context.Context) error {
	sem := semaphore.NewWeighted(r.e.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return errors.WithStack(err)
		}
		if err := r.req.Token.Err(); err != nil {
			sem.Release(1)
			return err
		}

		r.mu.Lock()
		if len(r.queue) == 0 {
			idle := r.inFlight == 0
			r.mu.Unlock()
			sem.Release(1)
			if idle {
				return nil
			}
			select {
			case <-r.wake:
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			}
			continue
		}
		op := r.queue[0]
		r.queue = r.queue[1:]
		r.inFlight++
		r.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r.execute(ctx, op)
		}()
	}
}

func (r *run) execute(ctx context.Context, op Operation) {
	var (
		children []remote.Node
		destID   string
		copied   int64
		err      error
	)
	// a stopped token means the op never starts
	if err = r.req.Token.Err(); err == nil {
		switch op.Kind {
		case KindCreateFolder:
			destID, err = r.createFolder(ctx, op.Name, op.DestParentID)
			if err == nil {
				var listErr error
				children, listErr = r.list(ctx, op.SourceID)
				if listErr != nil {
					r.fail(op.Path, errors.Errorf("list: %w", listErr))
				}
			}
		case KindCopyFile:
			copied, err = r.req.Copy(ctx, op)
		}
	}

	r.mu.Lock()
	r.inFlight--
	r.opsDone++
	switch {
	case cancel.IsStop(err):
		// the loop returns the token error
	case err != nil:
		r.result.Failures = append(r.result.Failures, Failure{Name: op.Path, Err: err})
		r.log.Warn("replication item failed", logger.String("path", op.Path), logger.String("kind", op.Kind.String()), logger.Error(err))
	case op.Kind == KindCreateFolder:
		r.result.FoldersCreated++
		r.destOf[op.SourceID] = destID
		r.enqueueChildren(op.SourceID, op.Path, children)
	default:
		r.result.FilesCopied++
		r.result.BytesCopied += copied
	}
	done, total := r.progress()
	r.mu.Unlock()

	if r.req.OnProgress != nil {
		r.req.OnProgress(done, total)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) fail(name string, err error) {
	r.mu.Lock()
	r.result.Failures = append(r.result.Failures, Failure{Name: name, Err: err})
	r.mu.Unlock()
	r.log.Warn("replication item failed", logger.String("path", name), logger.Error(err))
}

// enqueueChildren must be called with r.mu held and only after the parent
// folder exists in the destination
func (r *run) enqueueChildren(sourceParentID, parentPath string, children []remote.Node) {
	dest := r.destOf[sourceParentID]
	for _, n := range children {
		rel := path.Join(parentPath, n.Name)
		if matchAny(r.e.excludes, rel) {
			continue
		}
		op := Operation{SourceID: n.ID, DestParentID: dest, Name: n.Name, Path: rel}
		if n.IsFolder {
			op.Kind = KindCreateFolder
		} else {
			op.Kind = KindCopyFile
			op.FileSize = n.Size
			r.bytesTotal += n.Size
		}
		r.opsTotal++
		r.queue = append(r.queue, op)
	}
}

func (r *run) progress() (int64, int64) {
	if r.bytesTotal > 0 {
		return r.result.BytesCopied, r.bytesTotal
	}
	return r.opsDone, r.opsTotal
}

func (r *run) createFolder(ctx context.Context, name, parentID string) (string, error) {
	var id string
	err := retry.DoToken(ctx, r.req.Token, func(ctx context.Context) error {
		var err error
		id, err = r.req.Dest.CreateFolder(ctx, name, parentID, true)
		return err
	}, r.e.retry, retry.IsTransient, nil)
	return id, err
}

func (r *run) list(ctx context.Context, folderID string) ([]remote.Node, error) {
	ctx, cancelList := context.WithTimeout(ctx, r.e.listTimeout)
	defer cancelList()
	return remote.ListAll(ctx, r.req.Source, folderID)
}
