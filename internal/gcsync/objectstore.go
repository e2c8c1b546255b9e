// Package gcsync mirrors a sandbox work root against an object-store
// prefix in both directions, using object generations to detect and skip
// conflicting writes.
package gcsync

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"workbridge/internal/errors"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Name       string
	Generation int64
	Size       int64
}

// Folder reports whether the object is a folder placeholder.
func (o ObjectInfo) Folder() bool {
	return strings.HasSuffix(o.Name, "/")
}

// preconditionError marks an upload that lost a generation race.
type preconditionError struct{ name string }

func (e *preconditionError) Error() string {
	return fmt.Sprintf("generation precondition failed for %s", e.name)
}

// IsPrecondition reports whether err is a failed generation precondition.
func IsPrecondition(err error) bool {
	var pre *preconditionError
	return stderrors.As(err, &pre)
}

// ObjectStore is the remote side of a sync run. Implementations must
// treat a missing bucket or prefix as empty on List and surface failed
// generation preconditions distinctly from other upload errors.
type ObjectStore interface {
	// List returns every object under prefix. A missing prefix is empty,
	// not an error.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Attrs returns object metadata, or a NotFoundError.
	Attrs(ctx context.Context, name string) (*ObjectInfo, error)
	// Download opens the object for reading.
	Download(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Upload writes the object guarded by ifGenerationMatch: 0 requires
	// the object not exist, otherwise the live generation must match.
	Upload(ctx context.Context, name string, r io.Reader, ifGenerationMatch int64) (int64, error)
}

// GCSStore implements ObjectStore on a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
}

// NewGCSStore opens a GCS-backed object store. opts can carry a per-stream
// credential narrowed to the bucket and prefix.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucket)}, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if isStatus(err, 404) {
				return nil, nil
			}
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		objects = append(objects, ObjectInfo{
			Name:       attrs.Name,
			Generation: attrs.Generation,
			Size:       attrs.Size,
		})
	}
	return objects, nil
}

func (s *GCSStore) Attrs(ctx context.Context, name string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Object(name).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist || isStatus(err, 404) {
			return nil, &errors.NotFoundError{Resource: "object", Key: name}
		}
		return nil, fmt.Errorf("object attrs %s: %w", name, err)
	}
	return &ObjectInfo{Name: attrs.Name, Generation: attrs.Generation, Size: attrs.Size}, nil
}

func (s *GCSStore) Download(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, 0, &errors.NotFoundError{Resource: "object", Key: name}
		}
		return nil, 0, fmt.Errorf("open object %s: %w", name, err)
	}
	return r, r.Attrs.Generation, nil
}

func (s *GCSStore) Upload(ctx context.Context, name string, r io.Reader, ifGenerationMatch int64) (int64, error) {
	obj := s.bucket.Object(name).If(storage.Conditions{GenerationMatch: ifGenerationMatch})

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if isStatus(err, 412) {
			return 0, &preconditionError{name: name}
		}
		if isStatus(err, 403) {
			return 0, &errors.AuthError{Message: fmt.Sprintf("credential cannot write %s", name)}
		}
		return 0, fmt.Errorf("finalize object %s: %w", name, err)
	}
	return w.Attrs().Generation, nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return stderrors.As(err, &apiErr) && apiErr.Code == code
}
