package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-run/outpost/pkg/errdefs"
)

// fakeS3 implements S3API with pluggable behavior per call.
type fakeS3 struct {
	putObject     func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
	getObject     func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	headObject    func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	listObjects   func(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	deleteObjects func(*s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error)
	createMPU     func(*s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	uploadPart    func(*s3.UploadPartInput) (*s3.UploadPartOutput, error)
	completeMPU   func(*s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	abortMPU      func(*s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.putObject(in)
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return f.getObject(in)
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.headObject(in)
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return f.listObjects(in)
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return f.deleteObjects(in)
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return f.createMPU(in)
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return f.uploadPart(in)
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return f.completeMPU(in)
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return f.abortMPU(in)
}

type fakePresigner struct {
	getURL string
	putURL string
	err    error
}

func (f *fakePresigner) PresignGetObject(_ context.Context, _ *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &v4.PresignedHTTPRequest{URL: f.getURL}, nil
}

func (f *fakePresigner) PresignPutObject(_ context.Context, _ *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &v4.PresignedHTTPRequest{URL: f.putURL}, nil
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "dispatches/d-1/output.log", Key("d-1", "output.log"))
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"output.log", "text/plain"},
		{"summary.json", "application/json"},
		{"diff.patch", "text/x-patch"},
		{"stdout.txt", "text/plain"},
		{"stderr.txt", "text/plain"},
		{"random.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentTypeFor(tt.filename), tt.filename)
	}
}

func TestUploadSingleShot(t *testing.T) {
	var captured *s3.PutObjectInput
	fake := &fakeS3{
		putObject: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			captured = in
			return &s3.PutObjectOutput{ETag: aws.String(`"abc"`)}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	body := bytes.Repeat([]byte("x"), MultipartThreshold-1)
	res, err := s.Upload(context.Background(), "d-1", "output.log", body, "")
	require.NoError(t, err)
	assert.Equal(t, "dispatches/d-1/output.log", res.Key)
	assert.Equal(t, int64(MultipartThreshold-1), res.Size)

	require.NotNil(t, captured)
	assert.Equal(t, "text/plain", aws.ToString(captured.ContentType))
	assert.Equal(t, "d-1", captured.Metadata["dispatch-id"])
	assert.NotEmpty(t, captured.Metadata["uploaded-at"])
	assert.NotEmpty(t, captured.Metadata["expires-at"])
}

func TestUploadRoutesToMultipartAtThreshold(t *testing.T) {
	var parts []int64
	fake := &fakeS3{
		createMPU: func(*s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
		},
		uploadPart: func(in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
			n, _ := io.Copy(io.Discard, in.Body)
			parts = append(parts, n)
			return &s3.UploadPartOutput{ETag: aws.String(`"p"`)}, nil
		},
		completeMPU: func(in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
			return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"done"`)}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	body := bytes.Repeat([]byte("x"), MultipartThreshold)
	res, err := s.Upload(context.Background(), "d-1", "output.log", body, "")
	require.NoError(t, err)
	assert.Equal(t, int64(MultipartThreshold), res.Size)
	assert.Equal(t, []int64{MultipartThreshold}, parts)
}

func TestUploadLargeSplitsAndCompletes(t *testing.T) {
	var partNumbers []int32
	var completedParts int
	fake := &fakeS3{
		createMPU: func(*s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
		},
		uploadPart: func(in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
			partNumbers = append(partNumbers, aws.ToInt32(in.PartNumber))
			return &s3.UploadPartOutput{ETag: aws.String(`"p"`)}, nil
		},
		completeMPU: func(in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
			completedParts = len(in.MultipartUpload.Parts)
			return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"done"`)}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	size := int64(partSize*2 + 1024)
	body := bytes.NewReader(bytes.Repeat([]byte("x"), int(size)))
	res, err := s.UploadLarge(context.Background(), "d-1", "diff.patch", body, size)
	require.NoError(t, err)
	assert.Equal(t, size, res.Size)
	assert.Equal(t, []int32{1, 2, 3}, partNumbers)
	assert.Equal(t, 3, completedParts)
}

func TestUploadLargeAbortsOnPartFailure(t *testing.T) {
	aborted := false
	fake := &fakeS3{
		createMPU: func(*s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
		},
		uploadPart: func(in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
			if aws.ToInt32(in.PartNumber) == 2 {
				return nil, errors.New("part failed")
			}
			return &s3.UploadPartOutput{ETag: aws.String(`"p"`)}, nil
		},
		abortMPU: func(in *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error) {
			aborted = true
			assert.Equal(t, "mpu-1", aws.ToString(in.UploadId))
			return &s3.AbortMultipartUploadOutput{}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	body := bytes.NewReader(bytes.Repeat([]byte("x"), partSize*2))
	_, err := s.UploadLarge(context.Background(), "d-1", "output.log", body, int64(partSize*2))
	require.Error(t, err)
	assert.True(t, aborted)
}

func TestPresignDownloadTTLBounds(t *testing.T) {
	fake := &fakeS3{
		headObject: func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{getURL: "https://signed.example/obj"}, "bucket", 30)
	ctx := context.Background()

	tests := []struct {
		name string
		ttl  time.Duration
		ok   bool
	}{
		{"59s rejected", 59 * time.Second, false},
		{"60s accepted", 60 * time.Second, true},
		{"24h accepted", 24 * time.Hour, true},
		{"24h+1s rejected", 24*time.Hour + time.Second, false},
		{"zero selects default", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := s.PresignDownload(ctx, "d-1", "output.log", tt.ttl)
			if !tt.ok {
				assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://signed.example/obj", url.URL)
			assert.False(t, url.ExpiresAt.IsZero())
		})
	}
}

func TestPresignDownloadMissingObject(t *testing.T) {
	fake := &fakeS3{
		headObject: func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return nil, &s3types.NoSuchKey{}
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	_, err := s.PresignDownload(context.Background(), "d-1", "missing.log", 0)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListDegradesMetadataFailures(t *testing.T) {
	modified := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeS3{
		listObjects: func(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{
					{Key: aws.String("dispatches/d-1/output.log"), Size: aws.Int64(128), LastModified: aws.Time(modified)},
					{Key: aws.String("dispatches/d-1/summary.json"), Size: aws.Int64(64), LastModified: aws.Time(modified)},
				},
			}, nil
		},
		headObject: func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return nil, errors.New("metadata unavailable")
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	listing, err := s.List(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, 2, listing.Count)
	assert.Equal(t, int64(192), listing.TotalSize)
	assert.Equal(t, "text/plain", listing.Artifacts[0].ContentType)
	assert.Equal(t, modified, listing.Artifacts[0].UploadedAt)
	assert.Equal(t, modified.AddDate(0, 0, 30), listing.Artifacts[0].ExpiresAt)
}

func TestListSignedAttachesURLs(t *testing.T) {
	modified := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeS3{
		listObjects: func(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{
					{Key: aws.String("dispatches/d-1/output.log"), Size: aws.Int64(128), LastModified: aws.Time(modified)},
					{Key: aws.String("dispatches/d-1/summary.json"), Size: aws.Int64(64), LastModified: aws.Time(modified)},
				},
			}, nil
		},
		headObject: func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{getURL: "https://signed.example/obj"}, "bucket", 30)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	signed, err := s.ListSigned(context.Background(), "d-1", 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, signed, 2)
	assert.Equal(t, "output.log", signed[0].Type)
	assert.Equal(t, "dispatches/d-1/output.log", signed[0].Key)
	assert.Equal(t, "https://signed.example/obj", signed[0].URL)
	assert.Equal(t, now.Add(10*time.Minute), signed[0].ExpiresAt)
	assert.Equal(t, int64(128), signed[0].Size)
	assert.Equal(t, "text/plain", signed[0].ContentType)

	_, err = s.ListSigned(context.Background(), "d-1", 30*time.Second)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	fresh := now.AddDate(0, 0, -1)
	stale := now.AddDate(0, 0, -31)

	var deletedKeys []string
	fake := &fakeS3{
		listObjects: func(*s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{
					{Key: aws.String("dispatches/d-old/output.log"), Size: aws.Int64(100), LastModified: aws.Time(stale)},
					{Key: aws.String("dispatches/d-old/summary.json"), Size: aws.Int64(50), LastModified: aws.Time(stale)},
					{Key: aws.String("dispatches/d-new/output.log"), Size: aws.Int64(10), LastModified: aws.Time(fresh)},
				},
			}, nil
		},
		deleteObjects: func(in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
			for _, obj := range in.Delete.Objects {
				deletedKeys = append(deletedKeys, aws.ToString(obj.Key))
			}
			return &s3.DeleteObjectsOutput{}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)
	s.now = func() time.Time { return now }

	res, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedCount)
	assert.Equal(t, int64(150), res.FreedBytes)
	assert.Equal(t, 2, res.DispatchesProcessed)
	assert.ElementsMatch(t, []string{"dispatches/d-old/output.log", "dispatches/d-old/summary.json"}, deletedKeys)
}

func TestGetRoundTrip(t *testing.T) {
	payload := []byte("hello artifacts")
	fake := &fakeS3{
		getObject: func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			assert.Equal(t, "dispatches/d-1/output.log", aws.ToString(in.Key))
			return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(payload))}, nil
		},
	}
	s := NewStore(fake, &fakePresigner{}, "bucket", 30)

	got, err := s.Get(context.Background(), "d-1", "output.log")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
