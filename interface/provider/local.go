package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/service"
)

// LocalImageProvider implements ImageProvider for a local archive of already
// downloaded products, laid out as <path>/<YYYY>/<MM>/<DD>/<product>.zip.
// Tried before any network provider.
type LocalImageProvider struct {
	path string
}

// Name implements ImageProvider
func (ip *LocalImageProvider) Name() string {
	return "FileSystem (" + ip.path + ")"
}

// NewLocalImageProvider creates a new ImageProvider from local storage
func NewLocalImageProvider(path string) *LocalImageProvider {
	return &LocalImageProvider{path: path}
}

// Download implements ImageProvider
func (ip *LocalImageProvider) Download(ctx context.Context, product common.Product, destDir string) (Result, error) {
	date := product.Date
	if date.IsZero() {
		var err error
		if date, err = common.GetDateFromProductId(product.Name); err != nil {
			return ResultDownloaded, fmt.Errorf("LocalImageProvider: %w", err)
		}
	}

	srcZip := filepath.Join(ip.path, date.Format("2006"), date.Format("01"), date.Format("02"), product.Filename())
	if _, err := os.Stat(srcZip); err != nil {
		if os.IsNotExist(err) {
			return ResultDownloaded, ErrProductNotFound{srcZip}
		}
		return ResultDownloaded, fmt.Errorf("LocalImageProvider: %w", err)
	}

	dst := filepath.Join(destDir, product.Filename())
	if fi, err := os.Stat(dst); err == nil && product.ContentLength > 0 && fi.Size() == product.ContentLength {
		return ResultAlreadyComplete, nil
	}
	if err := fileCopy(srcZip, dst); err != nil {
		return ResultDownloaded, fmt.Errorf("LocalImageProvider.%w", err)
	}
	return ResultDownloaded, nil
}

// fileCopy copies a single file from src to dst
func fileCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fileCopy.Open: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("fileCopy.Create: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return service.MakeTemporary(fmt.Errorf("fileCopy.Copy: %w", err))
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("fileCopy.Close: %w", err)
	}
	return nil
}
