package filer

import (
	"context"
	"fmt"
	"io"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options configures minio access
type Options struct {
	URL    string
	User   string
	Key    string
	Bucket string
	Secure bool
}

// Filer stores and retrieves pipeline files in minio:
// submitted sources, transcripts, raw stage responses
type Filer struct {
	client *minio.Client
	bucket string
}

// NewFiler creates minio backed file store
func NewFiler(ctx context.Context, opts Options) (*Filer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("no url")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("no bucket")
	}
	cl, err := minio.New(opts.URL, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.User, opts.Key, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("can't init minio client: %w", err)
	}
	res := &Filer{client: cl, bucket: opts.Bucket}
	exists, err := cl.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("can't check bucket: %w", err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("can't create bucket: %w", err)
		}
		goapp.Log.Info().Str("bucket", opts.Bucket).Msg("created")
	}
	return res, nil
}

// SaveFile stores data under name
func (f *Filer) SaveFile(ctx context.Context, name string, r io.Reader, fileSize int64) error {
	_, err := f.client.PutObject(ctx, f.bucket, name, r, fileSize, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("can't save '%s': %w", name, err)
	}
	return nil
}

// LoadFile retrieves a stored file
func (f *Filer) LoadFile(ctx context.Context, name string) (io.ReadSeekCloser, error) {
	obj, err := f.client.GetObject(ctx, f.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("can't load '%s': %w", name, err)
	}
	return obj, nil
}

// LoadText retrieves a stored file as string
func (f *Filer) LoadText(ctx context.Context, name string) (string, error) {
	obj, err := f.LoadFile(ctx, name)
	if err != nil {
		return "", err
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("can't read '%s': %w", name, err)
	}
	return string(b), nil
}

// Clean removes all files stored for the ID
func (f *Filer) Clean(ctx context.Context, id string) error {
	objCh := f.client.ListObjects(ctx, f.bucket, minio.ListObjectsOptions{Prefix: id + "/", Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return fmt.Errorf("can't list '%s': %w", id, obj.Err)
		}
		if err := f.client.RemoveObject(ctx, f.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("can't remove '%s': %w", obj.Key, err)
		}
		goapp.Log.Info().Str("file", obj.Key).Msg("removed")
	}
	return nil
}
