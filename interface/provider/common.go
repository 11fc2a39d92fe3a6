package provider

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/mholt/archiver"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/service"
	"github.com/maghreb-eo/sentinel-fetcher/service/log"
)

// ErrProductNotFound is an error returned when a product is not found or available
type ErrProductNotFound struct {
	Product string
}

func (e ErrProductNotFound) Error() string {
	return fmt.Sprintf("Product not found or unavailable: %s", e.Product)
}

// ErrIntegrity is returned when a completed transfer does not match the
// expected size or checksum. The partial file is kept on disk for a later
// resume attempt.
type ErrIntegrity struct {
	Product string
	Err     error
}

func (e ErrIntegrity) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %v", e.Product, e.Err)
}

func (e ErrIntegrity) Unwrap() error { return e.Err }

// partSuffix marks in-flight and interrupted transfers
const partSuffix = ".part"

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

// checksumHash returns the hash implementation for a catalog checksum, or nil
// if the algorithm is not supported (checksum verification is best-effort)
func checksumHash(algorithm string) hash.Hash {
	switch strings.ToUpper(algorithm) {
	case "MD5":
		return md5.New()
	case "SHA256", "SHA-256":
		return sha256.New()
	}
	return nil
}

// downloadProductWithAuth streams url into destDir/<product.Filename()>.
// A complete destination file short-circuits without network I/O. The transfer
// goes through a ".part" file, renamed once verified: a file without the
// suffix is always complete. A partial file is resumed with a range request
// (grab restarts from zero if the server does not honor it) and is kept on
// disk on any failure so that a later attempt can resume.
func downloadProductWithAuth(ctx context.Context, url, destDir, provider string, product common.Product, headerKey, headerValue string, copyAuthOnRedirect bool) (Result, error) {
	dst := filepath.Join(destDir, product.Filename())

	// Idempotence by path existence and size
	if fi, err := os.Stat(dst); err == nil && product.ContentLength > 0 && fi.Size() == product.ContentLength {
		return ResultAlreadyComplete, nil
	}

	req, err := grab.NewRequest(dst+partSuffix, url)
	if err != nil {
		return ResultDownloaded, fmt.Errorf("downloadProductWithAuth.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)
	req.Size = product.ContentLength

	// Verify against the catalog checksum when the algorithm is supported.
	// The file is kept on mismatch (deleteOnError=false).
	for _, c := range product.Checksums {
		h := checksumHash(c.Algorithm)
		if h == nil {
			continue
		}
		sum, err := hex.DecodeString(c.Value)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("%s: invalid %s checksum %q, skipping verification", product.Name, c.Algorithm, c.Value)
			continue
		}
		req.SetChecksum(h, sum, false)
		break
	}

	if headerValue != "" {
		req.HTTPRequest.Header.Add(headerKey, headerValue)
	}

	result, err := download(ctx, req, provider+":"+product.Name, product, copyAuthOnRedirect)
	if err != nil {
		return result, err
	}
	if err := os.Rename(dst+partSuffix, dst); err != nil {
		return result, service.MakeTemporary(fmt.Errorf("downloadProductWithAuth.Rename: %w", err))
	}
	return result, nil
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Add("Authorization", auth[0])
	}
	return nil
}

// download a file with display every 5%
func download(ctx context.Context, req *grab.Request, displayPrefix string, product common.Product, copyAuthOnRedirect bool) (Result, error) {
	client := grab.NewClient()
	// bound the wait for headers, not the transfer itself
	client.HTTPClient.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if copyAuthOnRedirect {
		client.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth
	}
	resp := client.Do(req)

	displayProgress(ctx, displayPrefix, resp, 0.05)

	result := ResultDownloaded
	if resp.DidResume {
		result = ResultResumed
	}

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", req.URL(), err)
		if errors.Is(err, grab.ErrBadChecksum) || errors.Is(err, grab.ErrBadLength) {
			return result, ErrIntegrity{Product: product.Name, Err: err}
		}
		if resp.HTTPResponse == nil {
			return result, service.MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case 404, 410:
			return result, ErrProductNotFound{product.Name}
		case 408, 429, 500, 501, 502, 503, 504:
			return result, service.MakeTemporary(err)
		default:
			return result, err
		}
	}

	// Size is authoritative when the catalog provided one
	if product.ContentLength > 0 {
		if fi, err := os.Stat(resp.Filename); err != nil {
			return result, service.MakeTemporary(fmt.Errorf("download.Stat: %w", err))
		} else if fi.Size() != product.ContentLength {
			return result, ErrIntegrity{Product: product.Name, Err: fmt.Errorf("size mismatch: expected %d got %d", product.ContentLength, fi.Size())}
		}
	}
	return result, nil
}

// unarchive file with basic check. All errors are temporary.
func unarchive(localZip, localDir string) error {
	tmpdir, err := os.MkdirTemp(localDir, filepath.Base(localZip))
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	if err := archiver.Unarchive(localZip, tmpdir); err != nil {
		return service.MakeTemporary(err)
	}
	files, err := os.ReadDir(tmpdir)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if len(files) == 0 {
		return service.MakeTemporary(fmt.Errorf("empty zip"))
	}
	for _, f := range files {
		os.Rename(filepath.Join(tmpdir, f.Name()), filepath.Join(localDir, f.Name()))
	}
	return nil
}
