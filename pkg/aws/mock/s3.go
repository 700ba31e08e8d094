package mock

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MockS3Client provides an in-memory object store for testing
type MockS3Client struct {
	mu sync.Mutex

	// Mock data storage
	Objects map[string]map[string]*Object // bucket -> key -> object

	// Errors to return for specific operations
	PutObjectErr     error
	HeadObjectErr    error
	ListObjectsV2Err error
	DeleteObjectErr  error
	CopyObjectErr    error

	// KeyErrs fails any operation touching a specific key
	KeyErrs map[string]error

	// Call tracking
	PutObjectCalls     int
	HeadObjectCalls    int
	ListObjectsV2Calls int
	DeleteObjectCalls  int
	CopyObjectCalls    int

	etag int
}

// Object represents a mock S3 object
type Object struct {
	Key         string
	Data        []byte
	Metadata    map[string]string
	ContentType *string
	ETag        *string
}

// NewMockS3Client creates a mock with the given buckets
func NewMockS3Client(buckets ...string) *MockS3Client {
	m := &MockS3Client{
		Objects: make(map[string]map[string]*Object),
		KeyErrs: make(map[string]error),
	}
	for _, b := range buckets {
		m.Objects[b] = make(map[string]*Object)
	}
	return m
}

// Keys returns the sorted keys in bucket under prefix
func (m *MockS3Client) Keys(bucket, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.Objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Get returns a stored object or nil
func (m *MockS3Client) Get(bucket, key string) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Objects[bucket][key]
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls++

	if m.PutObjectErr != nil {
		return nil, m.PutObjectErr
	}
	if err := m.KeyErrs[*params.Key]; err != nil {
		return nil, err
	}

	bucketObjects, ok := m.Objects[*params.Bucket]
	if !ok {
		return nil, noSuchBucket(*params.Bucket)
	}

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := bucketObjects[*params.Key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}

	var data []byte
	if params.Body != nil {
		b, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		data = b
	}

	etag := m.nextETag()
	bucketObjects[*params.Key] = &Object{
		Key:         *params.Key,
		Data:        data,
		Metadata:    copyMetadata(params.Metadata),
		ContentType: params.ContentType,
		ETag:        &etag,
	}

	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadObjectCalls++

	if m.HeadObjectErr != nil {
		return nil, m.HeadObjectErr
	}
	if err := m.KeyErrs[*params.Key]; err != nil {
		return nil, err
	}

	bucketObjects, ok := m.Objects[*params.Bucket]
	if !ok {
		return nil, noSuchBucket(*params.Bucket)
	}

	obj, ok := bucketObjects[*params.Key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String(fmt.Sprintf("object not found: %s/%s", *params.Bucket, *params.Key))}
	}

	size := int64(len(obj.Data))
	return &s3.HeadObjectOutput{
		ContentLength: &size,
		ContentType:   obj.ContentType,
		ETag:          obj.ETag,
		Metadata:      copyMetadata(obj.Metadata),
	}, nil
}

func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListObjectsV2Calls++

	if m.ListObjectsV2Err != nil {
		return nil, m.ListObjectsV2Err
	}

	bucketObjects, ok := m.Objects[*params.Bucket]
	if !ok {
		return nil, noSuchBucket(*params.Bucket)
	}

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range bucketObjects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		start = sort.SearchStrings(keys, token)
	}
	maxKeys := 1000
	if params.MaxKeys != nil && *params.MaxKeys > 0 {
		maxKeys = int(*params.MaxKeys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	end := start + maxKeys
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}

	for _, key := range keys[start:end] {
		obj := bucketObjects[key]
		size := int64(len(obj.Data))
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: &size,
			ETag: obj.ETag,
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))

	return out, nil
}

func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalls++

	if m.DeleteObjectErr != nil {
		return nil, m.DeleteObjectErr
	}
	if err := m.KeyErrs[*params.Key]; err != nil {
		return nil, err
	}

	bucketObjects, ok := m.Objects[*params.Bucket]
	if !ok {
		return nil, noSuchBucket(*params.Bucket)
	}

	// S3 deletes are idempotent
	delete(bucketObjects, *params.Key)

	return &s3.DeleteObjectOutput{}, nil
}

func (m *MockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopyObjectCalls++

	if m.CopyObjectErr != nil {
		return nil, m.CopyObjectErr
	}
	if err := m.KeyErrs[*params.Key]; err != nil {
		return nil, err
	}

	// CopySource is "bucket/key", URL-encoded
	source, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(params.CopySource), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid copy source: %w", err)
	}
	srcBucket, srcKey, found := strings.Cut(source, "/")
	if !found {
		return nil, fmt.Errorf("invalid copy source: %s", source)
	}

	srcObjects, ok := m.Objects[srcBucket]
	if !ok {
		return nil, noSuchBucket(srcBucket)
	}
	src, ok := srcObjects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(fmt.Sprintf("source not found: %s/%s", srcBucket, srcKey))}
	}

	destObjects, ok := m.Objects[*params.Bucket]
	if !ok {
		return nil, noSuchBucket(*params.Bucket)
	}

	metadata := copyMetadata(src.Metadata)
	if params.MetadataDirective == types.MetadataDirectiveReplace {
		metadata = copyMetadata(params.Metadata)
	}

	etag := m.nextETag()
	destObjects[*params.Key] = &Object{
		Key:         *params.Key,
		Data:        append([]byte(nil), src.Data...),
		Metadata:    metadata,
		ContentType: src.ContentType,
		ETag:        &etag,
	}

	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: &etag},
	}, nil
}

// Helper functions

func (m *MockS3Client) nextETag() string {
	m.etag++
	return fmt.Sprintf("\"%016x\"", m.etag)
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		// S3 lower-cases user metadata keys
		out[strings.ToLower(k)] = v
	}
	return out
}

func noSuchBucket(bucket string) error {
	return &types.NoSuchBucket{Message: aws.String(fmt.Sprintf("bucket not found: %s", bucket))}
}
