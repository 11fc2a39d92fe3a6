package provider

import (
	"context"

	"github.com/maghreb-eo/sentinel-fetcher/common"
)

// Result of a download
type Result int

const (
	// ResultDownloaded : the whole product was transferred
	ResultDownloaded Result = iota
	// ResultResumed : the transfer restarted from a partial file on disk
	ResultResumed
	// ResultAlreadyComplete : a complete file was already at destination, no network I/O
	ResultAlreadyComplete
)

func (r Result) String() string {
	switch r {
	case ResultDownloaded:
		return "downloaded"
	case ResultResumed:
		return "resumed"
	case ResultAlreadyComplete:
		return "already complete"
	}
	return "unknown"
}

// ImageProvider is the interface of a product download service
type ImageProvider interface {
	// Download the product into destDir/<product.Filename()>
	Download(ctx context.Context, product common.Product, destDir string) (Result, error)

	// Name of the provider
	Name() string
}

// Authenticator is implemented by providers that must authenticate before the
// first download
type Authenticator interface {
	Authenticate(ctx context.Context) error
}
