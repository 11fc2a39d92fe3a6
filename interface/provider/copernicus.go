package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/service"
)

const copernicusDownloadProduct = "https://zipper.dataspace.copernicus.eu/odata/v1/Products(%s)/$value"
const copernicusAuth = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
const copernicusClientID = "cdse-public"

// CopernicusImageProvider implements ImageProvider for the Copernicus Data
// Space Ecosystem. The bearer token is obtained with the cdse-public password
// grant and transparently refreshed on expiry.
type CopernicusImageProvider struct {
	user        string
	pword       string
	authURL     string
	dlURL       string
	extract     bool
	authTimeout time.Duration

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// NewCopernicusImageProvider creates a new ImageProvider from Copernicus.
// The credentials only live in process memory and are never logged.
func NewCopernicusImageProvider(user, pword string) *CopernicusImageProvider {
	return &CopernicusImageProvider{
		user:        user,
		pword:       pword,
		authURL:     copernicusAuth,
		dlURL:       copernicusDownloadProduct,
		authTimeout: 30 * time.Second,
	}
}

// WithEndpoints overrides the identity and download endpoints (tests)
func (ip *CopernicusImageProvider) WithEndpoints(authURL, downloadURL string) *CopernicusImageProvider {
	ip.authURL = authURL
	ip.dlURL = downloadURL
	return ip
}

// WithExtraction unzips each product into its destination folder after
// download instead of keeping the archive
func (ip *CopernicusImageProvider) WithExtraction() *CopernicusImageProvider {
	ip.extract = true
	return ip
}

// Name implements ImageProvider
func (ip *CopernicusImageProvider) Name() string {
	return "Copernicus"
}

// Authenticate implements Authenticator: it exchanges the credentials for a
// bearer token. Invalid credentials or an unreachable identity service is
// fatal for the whole run.
func (ip *CopernicusImageProvider) Authenticate(ctx context.Context) error {
	conf := &oauth2.Config{
		ClientID: copernicusClientID,
		Endpoint: oauth2.Endpoint{TokenURL: ip.authURL},
	}
	// oauth2 falls back to http.DefaultClient, which never times out
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: ip.authTimeout})
	token, err := conf.PasswordCredentialsToken(ctx, ip.user, ip.pword)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("CopernicusToken: %w", err))
	}

	ip.mu.Lock()
	ip.tokens = oauth2.ReuseTokenSource(token, conf.TokenSource(ctx, token))
	ip.mu.Unlock()
	return nil
}

// Token returns a valid bearer token, authenticating or refreshing as needed.
// The token source is the single update point: sharing it between parallel
// downloads is safe.
func (ip *CopernicusImageProvider) Token(ctx context.Context) (string, error) {
	ip.mu.Lock()
	tokens := ip.tokens
	ip.mu.Unlock()
	if tokens == nil {
		if err := ip.Authenticate(ctx); err != nil {
			return "", err
		}
		ip.mu.Lock()
		tokens = ip.tokens
		ip.mu.Unlock()
	}

	token, err := tokens.Token()
	if err != nil {
		// refresh failures are worth a new attempt
		return "", service.MakeTemporary(fmt.Errorf("CopernicusToken.Refresh: %w", err))
	}
	return token.AccessToken, nil
}

// Download implements ImageProvider
func (ip *CopernicusImageProvider) Download(ctx context.Context, product common.Product, destDir string) (Result, error) {
	if common.GetConstellationFromProductId(product.Name) != common.Sentinel2 {
		return ResultDownloaded, fmt.Errorf("CopernicusImageProvider: constellation not supported")
	}
	if product.ID == "" {
		return ResultDownloaded, fmt.Errorf("CopernicusImageProvider: missing product uuid")
	}

	// Idempotence first: a complete file at destination costs no network I/O,
	// not even the token exchange
	if fi, err := os.Stat(filepath.Join(destDir, product.Filename())); err == nil && product.ContentLength > 0 && fi.Size() == product.ContentLength {
		return ResultAlreadyComplete, nil
	}

	// An already extracted product is complete
	if ip.extract {
		if _, err := os.Stat(filepath.Join(destDir, product.Name+".SAFE")); err == nil {
			return ResultAlreadyComplete, nil
		}
	}

	url := fmt.Sprintf(ip.dlURL, product.ID)

	token, err := ip.Token(ctx)
	if err != nil {
		return ResultDownloaded, fmt.Errorf("CopernicusImageProvider.Download.%w", err)
	}

	result, err := downloadProductWithAuth(ctx, url, destDir, ip.Name(), product, "Authorization", "Bearer "+token, true)
	if err != nil {
		return result, fmt.Errorf("CopernicusImageProvider.%w", err)
	}

	if ip.extract && result != ResultAlreadyComplete {
		localZip := filepath.Join(destDir, product.Filename())
		if err := unarchive(localZip, destDir); err != nil {
			return result, fmt.Errorf("CopernicusImageProvider.Unarchive: %w", err)
		}
		os.Remove(localZip)
	}

	return result, nil
}
