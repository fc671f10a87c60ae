// Package vault encrypts files before upload and decrypts them after
// download. Keys are derived from a password with argon2id; content is
// sealed in fixed size chunks with XChaCha20-Poly1305.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
)

const (
	// Ext is appended to encrypted file names
	Ext = ".mdv"

	magic     = "MDV1"
	saltSize  = 16
	chunkSize = 64 << 10
)

// ErrCorrupt is returned for files that fail authentication
var ErrCorrupt = errors.Base("vault: corrupt or foreign file")

// Engine encrypts and decrypts local files
type Engine interface {
	Encrypt(ctx context.Context, path string) (string, error)
	Decrypt(ctx context.Context, path string) (string, error)
	Unlocked() bool
}

// Vault is an Engine over a billy filesystem
type Vault struct {
	fs       billy.Filesystem
	saltFile string
	workDir  string

	mu   sync.RWMutex
	aead cipher.AEAD
}

// New creates a locked vault. fs must be the filesystem transfers read and
// write local files on, so task paths resolve the same way for both. The salt
// lives in saltFile and encrypted copies are written to workDir, both on fs.
func New(fs billy.Filesystem, saltFile, workDir string) *Vault {
	return &Vault{fs: fs, saltFile: saltFile, workDir: workDir}
}

// Unlock derives the key from password, creating the salt on first use
func (v *Vault) Unlock(password string) error {
	if password == "" {
		return apperrors.InvalidRequest("vault password must not be empty")
	}
	salt, err := v.salt()
	if err != nil {
		return err
	}
	key := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return errors.WithStack(err)
	}
	v.mu.Lock()
	v.aead = aead
	v.mu.Unlock()
	return nil
}

// Lock forgets the key
func (v *Vault) Lock() {
	v.mu.Lock()
	v.aead = nil
	v.mu.Unlock()
}

// Unlocked reports whether a key is loaded
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.aead != nil
}

func (v *Vault) key() (cipher.AEAD, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.aead == nil {
		return nil, apperrors.VaultLocked()
	}
	return v.aead, nil
}

func (v *Vault) salt() ([]byte, error) {
	salt, err := util.ReadFile(v.fs, v.saltFile)
	if err == nil {
		if len(salt) != saltSize {
			return nil, errors.Errorf("salt file %s has %d bytes, want %d", v.saltFile, len(salt), saltSize)
		}
		return salt, nil
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := util.WriteFile(v.fs, v.saltFile, salt, 0o600); err != nil {
		return nil, errors.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// nonce derives the nonce of chunk i from the file's base nonce
func nonce(base []byte, i uint64) []byte {
	n := append([]byte(nil), base...)
	binary.BigEndian.PutUint64(n[len(n)-8:], binary.BigEndian.Uint64(n[len(n)-8:])^i)
	return n
}

// additional data marks the last chunk so truncation is detected
func ad(last bool) []byte {
	if last {
		return []byte{1}
	}
	return []byte{0}
}

// Encrypt writes an encrypted copy of src into the work directory and
// returns its path. The caller removes it after upload.
func (v *Vault) Encrypt(ctx context.Context, src string) (string, error) {
	aead, err := v.key()
	if err != nil {
		return "", err
	}
	in, err := v.fs.Open(src)
	if err != nil {
		return "", errors.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dst := path.Join(v.workDir, path.Base(src)+Ext)
	out, err := v.fs.Create(dst)
	if err != nil {
		return "", errors.Errorf("create %s: %w", dst, err)
	}
	if err := v.seal(ctx, aead, in, out); err != nil {
		_ = out.Close()
		_ = v.fs.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", errors.WithStack(err)
	}
	return dst, nil
}

func (v *Vault) seal(ctx context.Context, aead cipher.AEAD, in io.Reader, out io.Writer) error {
	base := make([]byte, aead.NonceSize())
	if _, err := rand.Read(base); err != nil {
		return errors.WithStack(err)
	}
	if _, err := out.Write(append([]byte(magic), base...)); err != nil {
		return errors.WithStack(err)
	}

	// read one chunk ahead so the last one can be flagged
	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)
	n, err := io.ReadFull(in, cur)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errors.WithStack(err)
	}
	var lenBuf [4]byte
	for i := uint64(0); ; i++ {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		m, err := io.ReadFull(in, next)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.WithStack(err)
		}
		last := m == 0
		sealed := aead.Seal(nil, nonce(base, i), cur[:n], ad(last))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
		if _, err := out.Write(lenBuf[:]); err != nil {
			return errors.WithStack(err)
		}
		if _, err := out.Write(sealed); err != nil {
			return errors.WithStack(err)
		}
		if last {
			return nil
		}
		cur, next, n = next, cur, m
	}
}

// Decrypt replaces an encrypted file with its plaintext and returns the new
// path, which drops the vault extension when present
func (v *Vault) Decrypt(ctx context.Context, src string) (string, error) {
	aead, err := v.key()
	if err != nil {
		return "", err
	}
	in, err := v.fs.Open(src)
	if err != nil {
		return "", errors.Errorf("open %s: %w", src, err)
	}

	dst := strings.TrimSuffix(src, Ext)
	if dst == src {
		dst = src + ".decrypted"
	}
	out, err := v.fs.Create(dst)
	if err != nil {
		in.Close()
		return "", errors.Errorf("create %s: %w", dst, err)
	}
	err = v.open(ctx, aead, in, out)
	in.Close()
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = v.fs.Remove(dst)
		return "", err
	}
	if err := v.fs.Remove(src); err != nil {
		return "", errors.WithStack(err)
	}
	return dst, nil
}

func (v *Vault) open(ctx context.Context, aead cipher.AEAD, in io.Reader, out io.Writer) error {
	header := make([]byte, len(magic)+aead.NonceSize())
	if _, err := io.ReadFull(in, header); err != nil || string(header[:len(magic)]) != magic {
		return errors.WithStack(ErrCorrupt)
	}
	base := header[len(magic):]

	var lenBuf [4]byte
	buf := make([]byte, chunkSize+aead.Overhead())
	for i := uint64(0); ; i++ {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			// ran out before the flagged last chunk
			return errors.WithStack(ErrCorrupt)
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if int(size) > len(buf) {
			return errors.WithStack(ErrCorrupt)
		}
		if _, err := io.ReadFull(in, buf[:size]); err != nil {
			return errors.WithStack(ErrCorrupt)
		}

		plain, err := aead.Open(nil, nonce(base, i), buf[:size], ad(false))
		last := false
		if err != nil {
			if plain, err = aead.Open(nil, nonce(base, i), buf[:size], ad(true)); err != nil {
				return errors.WithStack(ErrCorrupt)
			}
			last = true
		}
		if _, err := out.Write(plain); err != nil {
			return errors.WithStack(err)
		}
		if last {
			return nil
		}
	}
}

var _ Engine = (*Vault)(nil)
