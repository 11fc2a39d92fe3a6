package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/interface/catalog"
	"github.com/maghreb-eo/sentinel-fetcher/interface/provider"
	"github.com/maghreb-eo/sentinel-fetcher/service"
	"github.com/maghreb-eo/sentinel-fetcher/service/log"
)

// Config of a fetch run
type Config struct {
	OutputDir     string
	Regions       []common.Region
	Start, End    time.Time
	MaxCloudCover float64

	MaxTries      int           // download attempts per product (default 3)
	Backoff       time.Duration // initial backoff between attempts (default 30s)
	Jobs          int           // parallel downloads (default 1)
	DownloadDelay time.Duration // courtesy delay between sequential downloads
}

// Fetcher drives the whole batch: authenticate once, then for each region
// search the catalog and download every product into <output>/<region>/<date>/
type Fetcher struct {
	catalog   catalog.ProductsProvider
	providers []provider.ImageProvider
	mirror    service.Mirror // optional
	cfg       Config
}

// ProductFailure records a failed product with enough context to retry manually
type ProductFailure struct {
	Region  string
	Date    string
	Product string
	Err     error
}

// Report of a fetch run
type Report struct {
	Found           int
	Downloaded      int
	AlreadyComplete int
	Failures        []ProductFailure
	SearchFailures  map[string]error // by region name
}

// Failed returns whether any region or product failed
func (r Report) Failed() bool {
	return len(r.Failures) > 0 || len(r.SearchFailures) > 0
}

// New creates a Fetcher. mirror may be nil.
func New(cfg Config, cat catalog.ProductsProvider, providers []provider.ImageProvider, mirror service.Mirror) (*Fetcher, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("fetcher: missing output directory")
	}
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("fetcher: no region to process")
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("fetcher: end date %v before start date %v", cfg.End, cfg.Start)
	}
	if cat == nil {
		return nil, fmt.Errorf("fetcher: missing catalog")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("fetcher: no image providers defined")
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = 1
	}
	return &Fetcher{catalog: cat, providers: providers, mirror: mirror, cfg: cfg}, nil
}

// Run processes every region sequentially. A search failure skips that region
// only; a product failure never aborts the batch. The returned error is nil
// unless the run could not start at all (authentication, output directory).
func (f *Fetcher) Run(ctx context.Context) (Report, error) {
	report := Report{SearchFailures: map[string]error{}}

	if err := os.MkdirAll(f.cfg.OutputDir, 0766); err != nil {
		return report, fmt.Errorf("Run.MkdirAll: %w", err)
	}

	// Authenticate once
	for _, ip := range f.providers {
		if a, ok := ip.(provider.Authenticator); ok {
			if err := a.Authenticate(ctx); err != nil {
				return report, fmt.Errorf("Run.%w", err)
			}
		}
	}

	for _, region := range f.cfg.Regions {
		rctx := log.With(ctx, "region", region.Name)
		log.Logger(rctx).Sugar().Infof("processing region %s from %s to %s (cloud cover <= %g%%)",
			region.Name, f.cfg.Start.Format("2006-01-02"), f.cfg.End.Format("2006-01-02"), f.cfg.MaxCloudCover)

		products, err := f.catalog.SearchProducts(rctx, common.SearchCriteria{
			Region:        region,
			Start:         f.cfg.Start,
			End:           f.cfg.End,
			MaxCloudCover: f.cfg.MaxCloudCover,
		})
		if err != nil {
			log.Logger(rctx).Warn("search failed, region skipped", zap.Error(err))
			report.SearchFailures[region.Name] = err
			continue
		}
		if len(products) == 0 {
			log.Logger(rctx).Info("no product found")
			continue
		}
		report.Found += len(products)

		// Clearest scenes first
		common.SortByCloudCover(products)

		f.processRegion(rctx, products, &report)
	}

	logSummary(ctx, report)
	return report, nil
}

func (f *Fetcher) processRegion(ctx context.Context, products []common.Product, report *Report) {
	mu := sync.Mutex{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Jobs)

	for i, product := range products {
		pctx := log.With(gctx, "product", product.Name, "date", product.DatePath(), "id", product.ID)
		g.Go(func() error {
			// courtesy delay towards the download service in sequential mode
			if i > 0 && f.cfg.Jobs == 1 && f.cfg.DownloadDelay > 0 {
				select {
				case <-time.After(f.cfg.DownloadDelay):
				case <-gctx.Done():
				}
			}
			result, err := f.processProduct(pctx, product)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Logger(pctx).Warn("product failed", zap.Error(err))
				report.Failures = append(report.Failures, ProductFailure{
					Region:  product.Region,
					Date:    product.DatePath(),
					Product: product.Name,
					Err:     err,
				})
				return nil // partial-failure isolation: keep the batch going
			}
			switch result {
			case provider.ResultAlreadyComplete:
				report.AlreadyComplete++
				log.Logger(pctx).Sugar().Infof("%s already complete", product.Name)
			default:
				report.Downloaded++
				log.Logger(pctx).Sugar().Infof("successfully %s %s (%.1f%% clouds)", result, product.Name, product.CloudCover)
			}
			return nil
		})
	}
	g.Wait()
}

// processProduct downloads one product with the first successful provider,
// retrying temporary failures with capped exponential backoff
func (f *Fetcher) processProduct(ctx context.Context, product common.Product) (provider.Result, error) {
	destDir := filepath.Join(f.cfg.OutputDir, product.Region, product.DatePath())
	if err := os.MkdirAll(destDir, 0766); err != nil {
		return provider.ResultDownloaded, fmt.Errorf("processProduct.MkdirAll: %w", err)
	}

	var result provider.Result
	retryErr := service.Retriable(ctx, func() error {
		var err error
		for _, ip := range f.providers {
			var e error
			result, e = ip.Download(ctx, product, destDir)
			if err = service.MergeErrors(false, err, e); err == nil {
				break
			}
			log.Logger(ctx).Sugar().Warnf("%v", e)
		}
		return err
	}, f.cfg.Backoff, f.cfg.MaxTries)
	if retryErr != nil {
		return result, fmt.Errorf("processProduct.%w", retryErr)
	}

	// Mirror whatever is complete locally but missing remotely, so a re-run
	// repairs a mirror that failed or was configured after the download
	if f.mirror != nil {
		localFile := filepath.Join(destDir, product.Filename())
		if _, err := os.Stat(localFile); err == nil {
			mirrored, err := f.mirror.Exists(ctx, product.RelPath())
			if err != nil {
				return result, fmt.Errorf("processProduct.Mirror.%w", err)
			}
			if !mirrored {
				uri, err := f.mirror.Push(ctx, localFile, product.RelPath())
				if err != nil {
					return result, fmt.Errorf("processProduct.Mirror.%w", err)
				}
				log.Logger(ctx).Sugar().Debugf("mirrored %s to %s", product.Name, uri)
			}
		}
	}

	return result, nil
}

func logSummary(ctx context.Context, report Report) {
	log.Logger(ctx).Sugar().Infof("download summary: %d found, %d downloaded, %d already complete, %d failed",
		report.Found, report.Downloaded, report.AlreadyComplete, len(report.Failures))
	for region, err := range report.SearchFailures {
		log.Logger(ctx).Sugar().Warnf("region %s skipped: %v", region, err)
	}
	for _, f := range report.Failures {
		log.Logger(ctx).Sugar().Warnf("failed %s/%s/%s: %v", f.Region, f.Date, f.Product, f.Err)
	}
}
