package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	gstorage "cloud.google.com/go/storage"
)

// Mirror pushes completed product files to a secondary storage location.
// The relative path of a product (region/date/filename) is preserved under
// the mirror root.
type Mirror interface {
	// Push copies localFile to <root>/<relPath> and returns the destination uri
	Push(ctx context.Context, localFile, relPath string) (string, error)

	// Exists returns whether <root>/<relPath> is already mirrored
	Exists(ctx context.Context, relPath string) (bool, error)
}

// NewMirror creates a Mirror from a storage uri (currently supported: local paths,
// file://, gs://)
func NewMirror(ctx context.Context, storageURI string) (Mirror, error) {
	switch {
	case strings.HasPrefix(storageURI, "gs://"):
		bucket, prefix, err := parseGSUri(storageURI)
		if err != nil {
			return nil, fmt.Errorf("NewMirror: %w", err)
		}
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("NewMirror.NewClient: %w", err)
		}
		return &gsMirror{client: client, bucket: bucket, prefix: prefix}, nil
	case strings.HasPrefix(storageURI, "file://"):
		return &localMirror{root: strings.TrimPrefix(storageURI, "file://")}, nil
	default:
		return &localMirror{root: storageURI}, nil
	}
}

func parseGSUri(uri string) (bucket, prefix string, err error) {
	uri = strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(uri, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("parseGSUri: missing bucket in %s", uri)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return parts[0], prefix, nil
}

// gsMirror implements Mirror on a Google Storage bucket
type gsMirror struct {
	client *gstorage.Client
	bucket string
	prefix string
}

// Push implements Mirror
func (m *gsMirror) Push(ctx context.Context, localFile, relPath string) (string, error) {
	f, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("gsMirror.Open: %w", err)
	}
	defer f.Close()

	object := path.Join(m.prefix, relPath)
	w := m.client.Bucket(m.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", MakeTemporary(fmt.Errorf("gsMirror.Copy to %s: %w", object, err))
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gsMirror.Close %s: %w", object, err)
	}
	return "gs://" + m.bucket + "/" + object, nil
}

// Exists implements Mirror
func (m *gsMirror) Exists(ctx context.Context, relPath string) (bool, error) {
	object := path.Join(m.prefix, relPath)
	_, err := m.client.Bucket(m.bucket).Object(object).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return false, nil
	}
	return false, MakeTemporary(fmt.Errorf("gsMirror.Attrs %s: %w", object, err))
}

// localMirror implements Mirror on the local filesystem
type localMirror struct {
	root string
}

// Push implements Mirror
func (m *localMirror) Push(ctx context.Context, localFile, relPath string) (string, error) {
	src, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("localMirror.Open: %w", err)
	}
	defer src.Close()

	dstFile := filepath.Join(m.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dstFile), 0766); err != nil {
		return "", fmt.Errorf("localMirror.MkdirAll: %w", err)
	}
	dst, err := os.Create(dstFile)
	if err != nil {
		return "", fmt.Errorf("localMirror.Create: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", MakeTemporary(fmt.Errorf("localMirror.Copy to %s: %w", dstFile, err))
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("localMirror.Close: %w", err)
	}
	return dstFile, nil
}

// Exists implements Mirror
func (m *localMirror) Exists(ctx context.Context, relPath string) (bool, error) {
	if _, err := os.Stat(filepath.Join(m.root, filepath.FromSlash(relPath))); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("localMirror.Stat: %w", err)
	}
	return true, nil
}
