package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
)

// fakeS3 is a tiny in-memory subset of the S3 REST API: path-style
// PUT, GET and HEAD on single objects.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string]fakeObject
	puts  int
}

type fakeObject struct {
	body        []byte
	contentType string
	sha         string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	empty := io.NopCloser(bytes.NewReader(nil))

	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		f.puts++
		f.state[key] = fakeObject{
			body:        body,
			contentType: req.Header.Get("Content-Type"),
			sha:         req.Header.Get("X-Amz-Meta-Sha256"),
		}
		return &http.Response{StatusCode: http.StatusOK, Body: empty, Header: http.Header{"ETag": {`"etag"`}}}, nil
	case http.MethodHead, http.MethodGet:
		obj, ok := f.state[key]
		if !ok {
			if req.Method == http.MethodHead {
				return &http.Response{StatusCode: http.StatusNotFound, Body: empty, Header: http.Header{}}, nil
			}
			body := `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(body)),
				Header: http.Header{"Content-Type": {"application/xml"}}}, nil
		}
		h := http.Header{
			"Content-Length":    {fmt.Sprintf("%d", len(obj.body))},
			"Content-Type":      {obj.contentType},
			"Last-Modified":     {time.Now().UTC().Format(http.TimeFormat)},
			"ETag":              {`"etag"`},
			"X-Amz-Meta-Sha256": {obj.sha},
		}
		body := empty
		if req.Method == http.MethodGet {
			body = io.NopCloser(bytes.NewReader(obj.body))
		}
		return &http.Response{StatusCode: http.StatusOK, Body: body, Header: h, ContentLength: int64(len(obj.body))}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: empty, Header: http.Header{}}, nil
}

// decodeChunked decodes a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	var size int
	if _, err := fmt.Sscanf(parts[0], "%x", &size); err != nil {
		return nil, false
	}
	if len(parts[1]) != size || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newTestStore(t *testing.T, prefix string) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{state: make(map[string]fakeObject)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	client := awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return NewWithClient(client, "thumbs", prefix), fake
}

func TestStore_PutAndRead(t *testing.T) {
	st, fake := newTestStore(t, "ct/")
	ctx := context.Background()

	meta, err := st.Put(ctx, blobstore.BlobMetadata{Key: "slice_001.jpeg", ContentType: "image/jpeg"}, strings.NewReader("jpegbytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Location != "s3://thumbs/ct/slice_001.jpeg" {
		t.Errorf("Location = %q", meta.Location)
	}
	if meta.Size != int64(len("jpegbytes")) {
		t.Errorf("Size = %d", meta.Size)
	}
	if _, ok := fake.state["ct/slice_001.jpeg"]; !ok {
		t.Fatalf("object not stored under prefixed key; have %v", fake.state)
	}

	head, err := st.GetMetadata(ctx, "slice_001.jpeg")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if head.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q", head.ContentType)
	}
	if head.Hash != meta.Hash {
		t.Errorf("Hash = %q, want %q", head.Hash, meta.Hash)
	}

	rc, _, err := st.Download(ctx, "slice_001.jpeg")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "jpegbytes" {
		t.Errorf("body = %q", got)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	st, fake := newTestStore(t, "")
	ctx := context.Background()
	for _, body := range []string{"first", "second"} {
		if _, err := st.Put(ctx, blobstore.BlobMetadata{Key: "a.jpeg", ContentType: "image/jpeg"}, strings.NewReader(body)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if fake.puts != 2 {
		t.Errorf("puts = %d, want 2", fake.puts)
	}
	if string(fake.state["a.jpeg"].body) != "second" {
		t.Errorf("body = %q, want second", fake.state["a.jpeg"].body)
	}
}

func TestStore_NotFound(t *testing.T) {
	st, _ := newTestStore(t, "")
	ctx := context.Background()

	if _, err := st.GetMetadata(ctx, "missing.jpeg"); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("GetMetadata err = %v, want ErrBlobNotFound", err)
	}
	if _, _, err := st.Download(ctx, "missing.jpeg"); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("Download err = %v, want ErrBlobNotFound", err)
	}
}

func TestStore_RejectsBadInput(t *testing.T) {
	st, fake := newTestStore(t, "")
	ctx := context.Background()

	if _, err := st.Put(ctx, blobstore.BlobMetadata{Key: "../x.jpeg", ContentType: "image/jpeg"}, strings.NewReader("x")); !errors.Is(err, blobstore.ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
	if _, err := st.Put(ctx, blobstore.BlobMetadata{Key: "x.txt", ContentType: "text/plain"}, strings.NewReader("x")); !errors.Is(err, blobstore.ErrInvalidContentType) {
		t.Errorf("err = %v, want ErrInvalidContentType", err)
	}
	if fake.puts != 0 {
		t.Errorf("puts = %d, want 0", fake.puts)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
