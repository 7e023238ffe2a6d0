package recording

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var errStoreUnavailable = errors.New("store unavailable")

// memStore is an in-memory objectStore. It lists two keys per page.
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failPuts  int
	puts      int
	deletes   int
	lastType  string
	listPages int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.failPuts > 0 {
		m.failPuts--
		return nil, errStoreUnavailable
	}
	m.objects[aws.ToString(in.Key)] = data
	m.lastType = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletes++
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listPages++

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	// The continuation token is the last key of the previous page.
	if in.ContinuationToken != nil {
		after := *in.ContinuationToken
		keys = slices.DeleteFunc(keys, func(k string) bool { return k <= after })
	}
	page := keys[:min(2, len(keys))]

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(len(page) < len(keys))}
	for _, k := range page {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if len(page) < len(keys) {
		out.NextContinuationToken = aws.String(page[len(page)-1])
	}
	return out, nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
