package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/metrics"
)

const (
	// MultipartThreshold is the payload size at and above which uploads
	// switch to the multipart path.
	MultipartThreshold = 5 * 1024 * 1024

	// partSize is the multipart part size. The object store requires
	// every part except the last to be at least 5 MiB.
	partSize = 5 * 1024 * 1024

	// deleteBatchSize is the object-store batch-delete cap.
	deleteBatchSize = 1000

	// Presign TTL bounds.
	PresignMinTTL     = 60 * time.Second
	PresignMaxTTL     = 24 * time.Hour
	PresignDefaultTTL = time.Hour

	keyPrefix = "dispatches/"

	metaDispatchID = "dispatch-id"
	metaUploadedAt = "uploaded-at"
	metaExpiresAt  = "expires-at"
)

// standardContentTypes maps the well-known artifact filenames to their
// content types. Unlisted names fall back to octet-stream.
var standardContentTypes = map[string]string{
	"output.log":   "text/plain",
	"summary.json": "application/json",
	"diff.patch":   "text/x-patch",
	"stdout.txt":   "text/plain",
	"stderr.txt":   "text/plain",
}

// S3API is the subset of the S3 client the artifact store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner is the subset of the S3 presign client the store uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store manages dispatch artifacts under dispatches/{dispatch_id}/{filename}.
type Store struct {
	client        S3API
	presigner     Presigner
	bucket        string
	retentionDays int
	logger        zerolog.Logger
	now           func() time.Time
}

// NewStore creates an artifact store over the given bucket.
func NewStore(client S3API, presigner Presigner, bucket string, retentionDays int) *Store {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Store{
		client:        client,
		presigner:     presigner,
		bucket:        bucket,
		retentionDays: retentionDays,
		logger:        log.WithComponent("artifacts"),
		now:           time.Now,
	}
}

// UploadResult describes a stored artifact object.
type UploadResult struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"etag"`
}

// ArtifactInfo is one entry of a listing.
type ArtifactInfo struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Listing is the result of enumerating a dispatch's artifacts.
type Listing struct {
	Artifacts []ArtifactInfo `json:"artifacts"`
	TotalSize int64          `json:"total_size"`
	Count     int            `json:"count"`
}

// SignedArtifact is one listing entry carrying a time-limited download URL.
type SignedArtifact struct {
	Type        string    `json:"type"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Size        int64     `json:"size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
}

// PresignedURL is a time-limited access grant for one object.
type PresignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	DeletedCount        int   `json:"deleted_count"`
	FreedBytes          int64 `json:"freed_bytes"`
	DispatchesProcessed int   `json:"dispatches_processed"`
}

// Key builds the object key for a dispatch artifact.
func Key(dispatchID, filename string) string {
	return keyPrefix + dispatchID + "/" + filename
}

// ContentTypeFor returns the content type for a standard artifact name.
func ContentTypeFor(filename string) string {
	if ct, ok := standardContentTypes[filename]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (s *Store) metadata(dispatchID string) map[string]string {
	now := s.now().UTC()
	return map[string]string{
		metaDispatchID: dispatchID,
		metaUploadedAt: now.Format(time.RFC3339),
		metaExpiresAt:  now.AddDate(0, 0, s.retentionDays).Format(time.RFC3339),
	}
}

// Upload stores a payload in a single request. Payloads at or above the
// multipart threshold are routed to UploadLarge.
func (s *Store) Upload(ctx context.Context, dispatchID, filename string, body []byte, contentType string) (*UploadResult, error) {
	if int64(len(body)) >= MultipartThreshold {
		return s.UploadLarge(ctx, dispatchID, filename, bytes.NewReader(body), int64(len(body)))
	}
	if contentType == "" {
		contentType = ContentTypeFor(filename)
	}

	key := Key(dispatchID, filename)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    s.metadata(dispatchID),
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to upload %s", key)
	}

	metrics.ArtifactUploadBytes.Add(float64(len(body)))
	return &UploadResult{Key: key, Size: int64(len(body)), ETag: aws.ToString(out.ETag)}, nil
}

// UploadLarge stores a payload via multipart upload with 5 MiB parts. On any
// part failure the multipart upload is aborted before the error surfaces.
func (s *Store) UploadLarge(ctx context.Context, dispatchID, filename string, body io.Reader, size int64) (*UploadResult, error) {
	key := Key(dispatchID, filename)

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(ContentTypeFor(filename)),
		Metadata:    s.metadata(dispatchID),
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to start multipart upload for %s", key)
	}
	uploadID := aws.ToString(create.UploadId)

	var completed []s3types.CompletedPart
	buf := make([]byte, partSize)
	partNumber := int32(1)
	var uploaded int64

	for {
		n, readErr := io.ReadFull(body, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			s.abort(ctx, key, uploadID)
			return nil, errdefs.Internal(readErr, "failed reading part %d of %s", partNumber, key)
		}

		part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf[:n]),
		})
		if err != nil {
			s.abort(ctx, key, uploadID)
			return nil, errdefs.Unavailable(err, "failed to upload part %d of %s", partNumber, key)
		}

		completed = append(completed, s3types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		uploaded += int64(n)
		partNumber++

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abort(ctx, key, uploadID)
		return nil, errdefs.Unavailable(err, "failed to complete multipart upload for %s", key)
	}

	metrics.ArtifactUploadBytes.Add(float64(uploaded))
	return &UploadResult{Key: key, Size: uploaded, ETag: aws.ToString(out.ETag)}, nil
}

func (s *Store) abort(ctx context.Context, key, uploadID string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to abort multipart upload")
	}
}

// Get reads an artifact back in full.
func (s *Store) Get(ctx context.Context, dispatchID, filename string) ([]byte, error) {
	key := Key(dispatchID, filename)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errdefs.NotFound("artifact not found: %s", key)
		}
		return nil, errdefs.Unavailable(err, "failed to get %s", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to read %s", key)
	}
	return data, nil
}

// PresignDownload verifies the object exists and issues a time-limited GET
// URL. TTL must fall within [60s, 24h]; zero selects the 1-hour default.
func (s *Store) PresignDownload(ctx context.Context, dispatchID, filename string, ttl time.Duration) (*PresignedURL, error) {
	ttl, err := validateTTL(ttl)
	if err != nil {
		return nil, err
	}

	key := Key(dispatchID, filename)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return nil, errdefs.NotFound("artifact not found: %s", key)
		}
		return nil, errdefs.Unavailable(err, "failed to head %s", key)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to presign %s", key)
	}
	return &PresignedURL{URL: req.URL, ExpiresAt: s.now().UTC().Add(ttl)}, nil
}

// PresignUpload issues a time-limited PUT URL carrying the same metadata
// stamps as a direct upload.
func (s *Store) PresignUpload(ctx context.Context, dispatchID, filename, contentType string, ttl time.Duration) (*PresignedURL, error) {
	ttl, err := validateTTL(ttl)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(filename)
	}

	key := Key(dispatchID, filename)
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    s.metadata(dispatchID),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to presign upload for %s", key)
	}
	return &PresignedURL{URL: req.URL, ExpiresAt: s.now().UTC().Add(ttl)}, nil
}

func validateTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return PresignDefaultTTL, nil
	}
	if ttl < PresignMinTTL || ttl > PresignMaxTTL {
		return 0, errdefs.Validation("presign ttl must be between %s and %s", PresignMinTTL, PresignMaxTTL)
	}
	return ttl, nil
}

// List enumerates a dispatch's artifacts, resolving per-object metadata.
// Metadata fetch failures degrade to defaults rather than failing the
// listing.
func (s *Store) List(ctx context.Context, dispatchID string) (*Listing, error) {
	prefix := keyPrefix + dispatchID + "/"
	listing := &Listing{Artifacts: []ArtifactInfo{}}

	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errdefs.Unavailable(err, "failed to list artifacts for %s", dispatchID)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			info := ArtifactInfo{
				Filename:    path.Base(key),
				Size:        aws.ToInt64(obj.Size),
				ContentType: ContentTypeFor(path.Base(key)),
				UploadedAt:  aws.ToTime(obj.LastModified),
				ExpiresAt:   aws.ToTime(obj.LastModified).AddDate(0, 0, s.retentionDays),
			}

			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				s.logger.Debug().Err(err).Str("key", key).Msg("metadata fetch failed; using defaults")
			} else {
				if ct := aws.ToString(head.ContentType); ct != "" {
					info.ContentType = ct
				}
				if v, ok := head.Metadata[metaUploadedAt]; ok {
					if t, err := time.Parse(time.RFC3339, v); err == nil {
						info.UploadedAt = t
					}
				}
				if v, ok := head.Metadata[metaExpiresAt]; ok {
					if t, err := time.Parse(time.RFC3339, v); err == nil {
						info.ExpiresAt = t
					}
				}
			}

			listing.Artifacts = append(listing.Artifacts, info)
			listing.TotalSize += info.Size
			listing.Count++
		}

		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return listing, nil
}

// ListSigned enumerates a dispatch's artifacts and presigns a download URL
// for each. TTL must fall within [60s, 24h]; zero selects the 1-hour default.
// The objects were just listed, so no per-object existence check is needed.
func (s *Store) ListSigned(ctx context.Context, dispatchID string, ttl time.Duration) ([]SignedArtifact, error) {
	ttl, err := validateTTL(ttl)
	if err != nil {
		return nil, err
	}

	listing, err := s.List(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	signed := make([]SignedArtifact, 0, len(listing.Artifacts))
	for _, a := range listing.Artifacts {
		key := Key(dispatchID, a.Filename)
		req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, func(o *s3.PresignOptions) {
			o.Expires = ttl
		})
		if err != nil {
			return nil, errdefs.Unavailable(err, "failed to presign %s", key)
		}
		signed = append(signed, SignedArtifact{
			Type:        a.Filename,
			Key:         key,
			URL:         req.URL,
			ExpiresAt:   s.now().UTC().Add(ttl),
			Size:        a.Size,
			ContentType: a.ContentType,
		})
	}
	return signed, nil
}

// Delete batch-deletes every object under the dispatch prefix.
func (s *Store) Delete(ctx context.Context, dispatchID string) (int, error) {
	keys, _, err := s.collectKeys(ctx, keyPrefix+dispatchID+"/", nil)
	if err != nil {
		return 0, err
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			batch = append(batch, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, errdefs.Unavailable(err, "batch delete failed")
		}
		deleted += len(batch) - len(out.Errors)
	}
	return deleted, nil
}

// SweepExpired walks the whole dispatches/ prefix and deletes every object
// whose LastModified predates the retention window. Intended for daily
// invocation.
func (s *Store) SweepExpired(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)

	var expired []string
	var freed int64
	dispatches := make(map[string]struct{})

	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errdefs.Unavailable(err, "retention sweep listing failed")
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if parts := strings.Split(strings.TrimPrefix(key, keyPrefix), "/"); len(parts) > 0 && parts[0] != "" {
				dispatches[parts[0]] = struct{}{}
			}
			if aws.ToTime(obj.LastModified).Before(cutoff) {
				expired = append(expired, key)
				freed += aws.ToInt64(obj.Size)
			}
		}

		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	deleted, err := s.deleteKeys(ctx, expired)
	if err != nil {
		return nil, err
	}

	metrics.ArtifactsSweptTotal.Add(float64(deleted))
	return &SweepResult{
		DeletedCount:        deleted,
		FreedBytes:          freed,
		DispatchesProcessed: len(dispatches),
	}, nil
}

func (s *Store) collectKeys(ctx context.Context, prefix string, filter func(s3types.Object) bool) ([]string, int64, error) {
	var keys []string
	var size int64
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, 0, errdefs.Unavailable(err, "failed to list %s", prefix)
		}
		for _, obj := range out.Contents {
			if filter != nil && !filter(obj) {
				continue
			}
			keys = append(keys, aws.ToString(obj.Key))
			size += aws.ToInt64(obj.Size)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, size, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

// StandardArtifacts returns the well-known artifact filenames in stable
// order.
func StandardArtifacts() []string {
	return []string{"output.log", "summary.json", "diff.patch", "stdout.txt", "stderr.txt"}
}
