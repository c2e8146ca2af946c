package artifacts

import (
	"context"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// GCS is a Google Cloud Storage-based blob store.
// All objects live under Prefix inside the bucket.
type GCS struct {
	Prefix     string
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	log        logs.Log
}

// NewGCS connects with the application default credentials
func NewGCS(ctx context.Context, log logs.Log, bucketName, prefix string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("Storing artifacts in gs://%v/%v", bucketName, prefix)
	return &GCS{
		Prefix:     prefix,
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func (s *GCS) object(name string) (*gcs.ObjectHandle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return s.bucket.Object(path.Join(s.Prefix, name)), nil
}

func (s *GCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	return obj.NewWriter(ctx), nil
}

func (s *GCS) ReadFile(ctx context.Context, name string) (*File, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *GCS) DeleteFile(ctx context.Context, name string) error {
	obj, err := s.object(name)
	if err != nil {
		return err
	}
	return obj.Delete(ctx)
}

func (s *GCS) Close() error {
	return s.client.Close()
}
