package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

// memS3 implements API over in-memory buckets
type memS3 struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	types    map[string]string
	uploads  map[string][][]byte
	aborted  int
	pageSize int
}

func newMemS3(buckets ...string) *memS3 {
	m := &memS3{buckets: map[string]map[string][]byte{}, types: map[string]string{}, uploads: map[string][][]byte{}, pageSize: 1000}
	for _, b := range buckets {
		m.buckets[b] = map[string][]byte{}
	}
	return m
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[*in.Bucket][*in.Key] = data
	m.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[*in.Bucket][*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[*in.Bucket][*in.Key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *memS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srcBucket, srcKey, _ := strings.Cut(*in.CopySource, "/")
	data, ok := m.buckets[srcBucket][srcKey]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	m.buckets[*in.Bucket][*in.Key] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[*in.Bucket], *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(m.buckets[*in.Bucket], *obj.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	type entry struct {
		key    string
		folder bool
	}
	var entries []entry
	seen := map[string]bool{}
	for key := range m.buckets[*in.Bucket] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{key: cp, folder: true})
				}
				continue
			}
		}
		entries = append(entries, entry{key: key})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+m.pageSize, len(entries))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(entries))}
	if end < len(entries) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	for _, e := range entries[start:end] {
		if e.folder {
			out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(e.key)})
		} else {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(e.key), Size: aws.Int64(int64(len(m.buckets[*in.Bucket][e.key])))})
		}
	}
	return out, nil
}

func (m *memS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "up-" + *in.Key
	m.uploads[id] = nil
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *memS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, _ := io.ReadAll(in.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[*in.UploadId] = append(m.uploads[*in.UploadId], data)
	return &s3.UploadPartOutput{ETag: aws.String("etag-" + strconv.Itoa(int(*in.PartNumber)))}, nil
}

func (m *memS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[*in.Bucket][*in.Key] = bytes.Join(m.uploads[*in.UploadId], nil)
	delete(m.uploads, *in.UploadId)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *memS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, *in.UploadId)
	m.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestAdapter_UploadListDownload(t *testing.T) {
	ctx := context.Background()
	api := newMemS3("media")
	a := New(api, "media", Options{Capacity: 1000})

	folder, err := a.CreateFolder(ctx, "photos", a.RootID(), false)
	require.NoError(t, err)
	assert.Equal(t, "media/photos/", folder)

	id, err := a.UploadStream(ctx, "notes.txt", strings.NewReader("hello world"), 11, folder, cancel.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "media/photos/notes.txt", id)
	assert.Contains(t, api.types["photos/notes.txt"], "text/plain")

	root, err := remote.ListAll(ctx, a, a.RootID())
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.True(t, root[0].IsFolder)
	assert.Equal(t, "photos", root[0].Name)

	inner, err := remote.ListAll(ctx, a, folder)
	require.NoError(t, err)
	require.Len(t, inner, 1, "folder marker is hidden")
	assert.Equal(t, "notes.txt", inner[0].Name)
	assert.Equal(t, int64(11), inner[0].Size)

	rc, err := a.DownloadStream(ctx, id)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello world", string(data))

	q, err := a.GetStorageQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Quota{Used: 11, Total: 1000}, q)
}

func TestAdapter_ListFollowsContinuation(t *testing.T) {
	api := newMemS3("b")
	api.pageSize = 2
	a := New(api, "b", Options{})
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		api.buckets["b"][k] = []byte(k)
	}

	nodes, err := remote.ListAll(context.Background(), a, "")

	require.NoError(t, err)
	assert.Len(t, nodes, 5)
}

func TestAdapter_MultipartUpload(t *testing.T) {
	api := newMemS3("b")
	a := New(api, "b", Options{PartSize: 5 << 20})
	data := bytes.Repeat([]byte("z"), 12<<20)

	id, err := a.UploadStream(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data)), "b/", cancel.NewToken())

	require.NoError(t, err)
	assert.Equal(t, "b/big.bin", id)
	assert.Equal(t, data, api.buckets["b"]["big.bin"])
}

func TestAdapter_RejectsUploadBeyondPartLimit(t *testing.T) {
	api := newMemS3("b")
	a := New(api, "b", Options{PartSize: 5 << 20})

	_, err := a.UploadStream(context.Background(), "huge.bin", bytes.NewReader(nil), 5<<20*maxParts+1, "b/", cancel.NewToken())

	assert.True(t, apperrors.HasCode(err, apperrors.ErrFileTooLarge))
	assert.Empty(t, api.uploads)
}

func TestAdapter_CancelledMultipartIsAborted(t *testing.T) {
	api := newMemS3("b")
	a := New(api, "b", Options{PartSize: 5 << 20})
	tok := cancel.NewToken()
	r := remote.NewTokenReader(bytes.NewReader(make([]byte, 12<<20)), tok, 1<<20, func(read int64) {
		if read > 6<<20 {
			tok.Cancel()
		}
	})

	_, err := a.UploadStream(context.Background(), "big.bin", r, 12<<20, "b/", tok)

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Equal(t, 1, api.aborted)
	assert.Empty(t, api.uploads)
	_, stored := api.buckets["b"]["big.bin"]
	assert.False(t, stored)
}

func TestAdapter_NativeCopyAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	api := newMemS3("src", "dst")
	src := New(api, "src", Options{})
	api.buckets["src"]["docs/a.pdf"] = []byte("pdf")

	id, err := src.CopyFileNative(ctx, "src/docs/a.pdf", "dst/archive/", "a.pdf")

	require.NoError(t, err)
	assert.Equal(t, "dst/archive/a.pdf", id)
	assert.Equal(t, []byte("pdf"), api.buckets["dst"]["archive/a.pdf"])
}

func TestAdapter_MoveAndDeleteFolder(t *testing.T) {
	ctx := context.Background()
	api := newMemS3("b")
	a := New(api, "b", Options{})
	api.buckets["b"]["old/"] = nil
	api.buckets["b"]["old/x.txt"] = []byte("x")
	api.buckets["b"]["old/sub/y.txt"] = []byte("y")

	require.NoError(t, a.MoveNode(ctx, "b/old/", "b/", "new"))
	assert.Equal(t, []byte("y"), api.buckets["b"]["new/sub/y.txt"])
	_, stillThere := api.buckets["b"]["old/x.txt"]
	assert.False(t, stillThere)

	require.NoError(t, a.DeleteNode(ctx, "b/new/"))
	assert.Empty(t, api.buckets["b"])
}

func TestAdapter_MissingObject(t *testing.T) {
	a := New(newMemS3("b"), "b", Options{})

	_, err := a.GetFileMetadata(context.Background(), "b/nope")
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)

	err = a.DeleteNode(context.Background(), "b/nope")
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)
}
