// Package s3 implements remote.Adapter over an S3 compatible bucket.
//
// Node ids carry their bucket: "bucket/key" for objects and "bucket/prefix/"
// for folders, so a provider-side copy between two accounts addresses the
// right buckets. The empty id names the root of the adapter's own bucket.
package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

// DefaultPartSize is the multipart part size and the largest single PUT
const DefaultPartSize = 8 << 20

// maxParts is the S3 limit on parts per multipart upload
const maxParts = 10000

// API is the subset of the S3 client the adapter uses
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Adapter is a remote.Adapter for one bucket
type Adapter struct {
	api      API
	bucket   string
	partSize int64
	// capacity is the configured quota; buckets have no intrinsic limit
	capacity int64
}

// Options configures an adapter
type Options struct {
	PartSize int64
	Capacity int64
}

// New wraps an S3 API client for bucket
func New(api API, bucket string, opts Options) *Adapter {
	if opts.PartSize < 5<<20 {
		opts.PartSize = DefaultPartSize
	}
	return &Adapter{api: api, bucket: bucket, partSize: opts.PartSize, capacity: opts.Capacity}
}

// NewFromAccount builds an adapter from account settings: bucket, region,
// endpoint, path_style and capacity in bytes. The access key pair is the account's
// client id and secret; without them the default credential chain is used.
func NewFromAccount(ctx context.Context, acc *types.StorageAccount) (*Adapter, error) {
	bucket := acc.Setting("bucket", "")
	if bucket == "" {
		return nil, errors.Errorf("s3 account %s: bucket setting is required", acc.ID)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(acc.Setting("region", "us-east-1")),
	}
	if acc.ClientID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(acc.ClientID, acc.ClientSecret, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Errorf("s3 account %s: load config: %w", acc.ID, err)
	}

	endpoint := acc.Setting("endpoint", "")
	pathStyle := acc.Setting("path_style", "") == "true"
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	var capacity int64
	if v := acc.Setting("capacity", ""); v != "" {
		if capacity, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, errors.Errorf("s3 account %s: capacity must be a byte count: %w", acc.ID, err)
		}
	}
	return New(client, bucket, Options{Capacity: capacity}), nil
}

// RootID returns the id of the bucket root
func (a *Adapter) RootID() string {
	return a.bucket + "/"
}

// split resolves a node id into bucket and key
func (a *Adapter) split(id string) (string, string) {
	if id == "" {
		return a.bucket, ""
	}
	bucket, key, _ := strings.Cut(id, "/")
	return bucket, key
}

func join(bucket, key string) string {
	return bucket + "/" + key
}

func folderKey(parentKey, name string) string {
	return parentKey + name + "/"
}

func wrap(op string, err error) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return errors.Errorf("%s: %w", op, remote.ErrNodeNotFound)
	}
	return errors.Errorf("%s: %w", op, err)
}

// Provider implements remote.Adapter
func (a *Adapter) Provider() string {
	return types.ProviderS3
}

// ListFolder implements remote.Adapter using the delimiter listing. The
// page token is the S3 continuation token.
func (a *Adapter) ListFolder(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	bucket, prefix := a.split(folderID)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}
	out, err := a.api.ListObjectsV2(ctx, in)
	if err != nil {
		return remote.Page{}, wrap("list "+folderID, err)
	}

	page := remote.Page{}
	for _, p := range out.CommonPrefixes {
		key := aws.ToString(p.Prefix)
		page.Nodes = append(page.Nodes, remote.Node{
			ID:       join(bucket, key),
			Name:     path.Base(strings.TrimSuffix(key, "/")),
			IsFolder: true,
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			// folder marker
			continue
		}
		page.Nodes = append(page.Nodes, remote.Node{
			ID:       join(bucket, key),
			Name:     path.Base(key),
			Size:     aws.ToInt64(obj.Size),
			Modified: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// UploadStream implements remote.Adapter. Content up to one part is sent in a
// single PUT; larger content goes through a multipart upload with the token
// checked before every part. An abandoned multipart upload is aborted.
func (a *Adapter) UploadStream(ctx context.Context, name string, r io.Reader, size int64, parentID string, tok *cancel.Token) (string, error) {
	if limit := a.partSize * maxParts; size > limit {
		return "", apperrors.FileTooLarge(size, limit)
	}
	bucket, prefix := a.split(parentID)
	key := prefix + name
	contentType, r := remote.SniffContentType(name, r)

	first := make([]byte, a.partSize)
	n, err := io.ReadFull(r, first)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		if stop := tok.Err(); stop != nil {
			return "", stop
		}
		return "", errors.Errorf("read %s: %w", name, err)
	}
	if int64(n) < a.partSize {
		if err := tok.Err(); err != nil {
			return "", err
		}
		_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(first[:n]),
			ContentLength: aws.Int64(int64(n)),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return "", wrap("upload "+name, err)
		}
		return join(bucket, key), nil
	}

	created, err := a.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", wrap("start upload "+name, err)
	}
	if err := a.uploadParts(ctx, bucket, key, created.UploadId, first, r, tok); err != nil {
		// the context may already be gone; abort on a fresh one
		_, _ = a.api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		})
		return "", err
	}
	return join(bucket, key), nil
}

func (a *Adapter) uploadParts(ctx context.Context, bucket, key string, uploadID *string, buf []byte, r io.Reader, tok *cancel.Token) error {
	var parts []s3types.CompletedPart
	n := len(buf)
	for partNum := int32(1); n > 0; partNum++ {
		if err := tok.Err(); err != nil {
			return err
		}
		out, err := a.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return wrap("upload part", err)
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNum)})

		var readErr error
		n, readErr = io.ReadFull(r, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			if stop := tok.Err(); stop != nil {
				return stop
			}
			return errors.Errorf("read part %d: %w", partNum+1, readErr)
		}
	}

	_, err := a.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return wrap("complete upload", err)
	}
	return nil
}

// DownloadStream implements remote.Adapter
func (a *Adapter) DownloadStream(ctx context.Context, nodeID string) (io.ReadCloser, error) {
	bucket, key := a.split(nodeID)
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, wrap("download "+nodeID, err)
	}
	return out.Body, nil
}

// CreateFolder implements remote.Adapter with a zero byte marker object.
// Prefixes are idempotent, so an existing folder is returned either way.
func (a *Adapter) CreateFolder(ctx context.Context, name, parentID string, checkDuplicates bool) (string, error) {
	bucket, prefix := a.split(parentID)
	key := folderKey(prefix, name)
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", wrap("create folder "+name, err)
	}
	return join(bucket, key), nil
}

// keysUnder lists every key below prefix
func (a *Adapter) keysUnder(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := a.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrap("list "+prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// DeleteNode implements remote.Adapter. Folders are deleted with everything
// under their prefix, a thousand keys per request.
func (a *Adapter) DeleteNode(ctx context.Context, id string) error {
	bucket, key := a.split(id)
	if !strings.HasSuffix(key, "/") {
		if _, err := a.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			return wrap("delete "+id, err)
		}
		_, err := a.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return wrap("delete "+id, err)
		}
		return nil
	}

	keys, err := a.keysUnder(ctx, bucket, key)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := a.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wrap("delete "+id, err)
		}
	}
	return nil
}

func (a *Adapter) copyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := a.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return wrap("copy "+srcKey, err)
	}
	return nil
}

// MoveNode implements remote.Adapter as copy then delete, key by key for folders
func (a *Adapter) MoveNode(ctx context.Context, id, newParentID, newName string) error {
	srcBucket, srcKey := a.split(id)
	dstBucket, dstPrefix := a.split(newParentID)
	isFolder := strings.HasSuffix(srcKey, "/")
	if newName == "" {
		newName = path.Base(strings.TrimSuffix(srcKey, "/"))
	}

	if !isFolder {
		if err := a.copyObject(ctx, srcBucket, srcKey, dstBucket, dstPrefix+newName); err != nil {
			return err
		}
		return a.DeleteNode(ctx, id)
	}

	keys, err := a.keysUnder(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.Errorf("move %s: %w", id, remote.ErrNodeNotFound)
	}
	target := folderKey(dstPrefix, newName)
	for _, k := range keys {
		if err := a.copyObject(ctx, srcBucket, k, dstBucket, target+strings.TrimPrefix(k, srcKey)); err != nil {
			return err
		}
	}
	return a.DeleteNode(ctx, id)
}

// CopyFileNative implements remote.Adapter with a server-side CopyObject.
// Copies into another account's bucket need read access from its credentials.
func (a *Adapter) CopyFileNative(ctx context.Context, sourceID, destParentID, newName string) (string, error) {
	srcBucket, srcKey := a.split(sourceID)
	dstBucket, dstPrefix := a.split(destParentID)
	if err := a.copyObject(ctx, srcBucket, srcKey, dstBucket, dstPrefix+newName); err != nil {
		return "", err
	}
	return join(dstBucket, dstPrefix+newName), nil
}

// GetFileMetadata implements remote.Adapter
func (a *Adapter) GetFileMetadata(ctx context.Context, id string) (remote.Metadata, error) {
	bucket, key := a.split(id)
	if key == "" || strings.HasSuffix(key, "/") {
		return remote.Metadata{ID: join(bucket, key), Name: path.Base(strings.TrimSuffix(key, "/")), IsFolder: true}, nil
	}
	out, err := a.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return remote.Metadata{}, wrap("stat "+id, err)
	}
	return remote.Metadata{ID: id, Name: path.Base(key), Size: aws.ToInt64(out.ContentLength)}, nil
}

// GetStorageQuota implements remote.Adapter by summing object sizes. Total
// is the configured capacity, or unknown.
func (a *Adapter) GetStorageQuota(ctx context.Context) (remote.Quota, error) {
	var used int64
	var token *string
	for {
		out, err := a.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return remote.Quota{}, wrap("quota", err)
		}
		for _, obj := range out.Contents {
			used += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) {
			return remote.Quota{Used: used, Total: a.capacity}, nil
		}
		token = out.NextContinuationToken
	}
}

var _ remote.Adapter = (*Adapter)(nil)
