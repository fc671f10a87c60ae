// Package sftp implements remote.Adapter over an SSH file transfer session.
package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/remote"
)

// RootID is the id of the configured root directory
const RootID = "/"

// Adapter is a remote.Adapter rooted at a directory of an SFTP server.
// Node ids are slash separated paths relative to that directory.
type Adapter struct {
	client *sftp.Client
	ssh    *ssh.Client
	root   string
}

// NewFromClient wraps an open SFTP session
func NewFromClient(client *sftp.Client, root string) *Adapter {
	if root == "" {
		root = "/"
	}
	return &Adapter{client: client, root: path.Clean(root)}
}

// Dial connects using account settings: host, port, user, root, key_file
// and known_hosts. The account's client secret, when set, is the password.
// Without known_hosts the host key is not verified.
func Dial(ctx context.Context, acc *types.StorageAccount, log logger.Logger) (*Adapter, error) {
	log = logger.OrGlobal(log)
	host := acc.Setting("host", "")
	if host == "" {
		return nil, errors.Errorf("sftp account %s: host setting is required", acc.ID)
	}
	port, err := strconv.Atoi(acc.Setting("port", "22"))
	if err != nil {
		return nil, errors.Errorf("sftp account %s: invalid port: %w", acc.ID, err)
	}

	auth, err := authMethods(acc)
	if err != nil {
		return nil, errors.Errorf("sftp account %s: %w", acc.ID, err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if file := acc.Setting("known_hosts", ""); file != "" {
		if hostKey, err = knownhosts.New(file); err != nil {
			return nil, errors.Errorf("sftp account %s: known hosts: %w", acc.ID, err)
		}
	} else {
		log.Warn("sftp host key not verified", logger.String("account_id", acc.ID), logger.String("host", host))
	}

	config := &ssh.ClientConfig{
		User:            acc.Setting("user", acc.Email),
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.Errorf("SSH connection failed: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errors.Errorf("SFTP session creation failed: %w", err)
	}
	a := NewFromClient(client, acc.Setting("root", "/"))
	a.ssh = sshClient
	return a, nil
}

// authMethods returns password, key file and agent authentication in that order
func authMethods(acc *types.StorageAccount) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if acc.ClientSecret != "" {
		methods = append(methods, ssh.Password(acc.ClientSecret))
	}
	if file := acc.Setting("key_file", ""); file != "" {
		keyData, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, errors.Errorf("parse key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		if conn, err := net.Dial("unix", socket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods available")
	}
	return methods, nil
}

// Close closes the SFTP session and SSH connection
func (a *Adapter) Close() error {
	err := a.client.Close()
	if a.ssh != nil {
		if sshErr := a.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}

func clean(id string) string {
	return path.Clean("/" + id)
}

func (a *Adapter) abs(id string) string {
	return path.Join(a.root, clean(id))
}

func wrap(op string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return errors.Errorf("%s: %w", op, remote.ErrNodeNotFound)
	}
	return errors.Errorf("%s: %w", op, err)
}

// Provider implements remote.Adapter
func (a *Adapter) Provider() string {
	return types.ProviderSFTP
}

// ListFolder implements remote.Adapter. Listings are never paged.
func (a *Adapter) ListFolder(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	dir := clean(folderID)
	entries, err := a.client.ReadDir(a.abs(dir))
	if err != nil {
		return remote.Page{}, wrap("list "+dir, err)
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

// UploadStream implements remote.Adapter. The token is checked on every
// chunk and a partial file is removed on failure.
func (a *Adapter) UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	id := path.Join(clean(parentID), name)
	target := a.abs(id)
	f, err := a.client.Create(target)
	if err != nil {
		return "", wrap("create "+id, err)
	}
	_, err = io.Copy(f, remote.NewTokenReader(r, tok, remote.DefaultChunkSize, nil))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = a.client.Remove(target)
		if stop := tok.Err(); stop != nil {
			return "", stop
		}
		return "", errors.Errorf("upload %s: %w", id, err)
	}
	return id, nil
}

// DownloadStream implements remote.Adapter
func (a *Adapter) DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error) {
	f, err := a.client.Open(a.abs(nodeID))
	if err != nil {
		return nil, wrap("open "+nodeID, err)
	}
	return f, nil
}

// CreateFolder implements remote.Adapter
func (a *Adapter) CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error) {
	id := path.Join(clean(parentID), name)
	target := a.abs(id)
	if info, err := a.client.Stat(target); err == nil {
		if info.IsDir() && checkDuplicates {
			return id, nil
		}
		return "", errors.Errorf("create folder %s: already exists", id)
	}
	if err := a.client.Mkdir(target); err != nil {
		return "", wrap("create folder "+id, err)
	}
	return id, nil
}

// DeleteNode implements remote.Adapter, removing folders recursively
func (a *Adapter) DeleteNode(ctx context.Context, id string) error {
	target := a.abs(id)
	info, err := a.client.Stat(target)
	if err != nil {
		return wrap("delete "+id, err)
	}
	if err := a.removeAll(target, info); err != nil {
		return wrap("delete "+id, err)
	}
	return nil
}

func (a *Adapter) removeAll(target string, info os.FileInfo) error {
	if !info.IsDir() {
		return a.client.Remove(target)
	}
	entries, err := a.client.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.removeAll(path.Join(target, e.Name()), e); err != nil {
			return err
		}
	}
	return a.client.RemoveDirectory(target)
}

// MoveNode implements remote.Adapter
func (a *Adapter) MoveNode(ctx context.Context, id, newParentID, newName string) error {
	src := clean(id)
	if newName == "" {
		newName = path.Base(src)
	}
	dst := path.Join(clean(newParentID), newName)
	if err := a.client.Rename(a.abs(src), a.abs(dst)); err != nil {
		return wrap("move "+src, err)
	}
	return nil
}

// CopyFileNative implements remote.Adapter. The protocol has no portable
// server-side copy.
func (a *Adapter) CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error) {
	return "", errors.WithStack(remote.ErrNativeCopyUnsupported)
}

// GetFileMetadata implements remote.Adapter
func (a *Adapter) GetFileMetadata(ctx context.Context, id string) (remote.Metadata, error) {
	info, err := a.client.Stat(a.abs(id))
	if err != nil {
		return remote.Metadata{}, wrap("stat "+id, err)
	}
	m := remote.Metadata{ID: clean(id), Name: info.Name(), IsFolder: info.IsDir()}
	if !info.IsDir() {
		m.Size = info.Size()
	}
	return m, nil
}

// GetStorageQuota implements remote.Adapter through the statvfs extension.
// Servers without it report an unknown total.
func (a *Adapter) GetStorageQuota(ctx context.Context) (remote.Quota, error) {
	vfs, err := a.client.StatVFS(a.root)
	if err != nil {
		var status *sftp.StatusError
		if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxOpUnsupported {
			return remote.Quota{}, nil
		}
		return remote.Quota{}, errors.Errorf("statvfs %s: %w", a.root, err)
	}
	total := int64(vfs.TotalSpace())
	return remote.Quota{Used: total - int64(vfs.FreeSpace()), Total: total}, nil
}

var _ remote.Adapter = (*Adapter)(nil)
