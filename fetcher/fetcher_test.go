package fetcher_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/fetcher"
	"github.com/maghreb-eo/sentinel-fetcher/interface/provider"
	"github.com/maghreb-eo/sentinel-fetcher/service"
)

var productBytes = []byte("synthetic product archive")

func makeProduct(name, region string, day int, cloudCover float64) common.Product {
	return common.Product{
		ID:            "uuid-" + name,
		Name:          name,
		Region:        region,
		Date:          time.Date(2023, 6, day, 10, 0, 0, 0, time.UTC),
		CloudCover:    cloudCover,
		ContentLength: int64(len(productBytes)),
	}
}

// fakeCatalog serves canned products per region
type fakeCatalog struct {
	products    map[string][]common.Product
	failRegions map[string]error
}

func (c *fakeCatalog) SearchProducts(ctx context.Context, criteria common.SearchCriteria) ([]common.Product, error) {
	if err, ok := c.failRegions[criteria.Region.Name]; ok {
		return nil, err
	}
	return c.products[criteria.Region.Name], nil
}

// fakeProvider writes canned bytes, simulating transient failures on demand
type fakeProvider struct {
	mu            sync.Mutex
	authenticated bool
	failAuth      error
	transient     map[string]int // product name -> remaining transient failures
	attempts      map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{transient: map[string]int{}, attempts: map[string]int{}}
}

func (p *fakeProvider) Name() string { return "Fake" }

func (p *fakeProvider) Authenticate(ctx context.Context) error {
	if p.failAuth != nil {
		return p.failAuth
	}
	p.mu.Lock()
	p.authenticated = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Download(ctx context.Context, product common.Product, destDir string) (provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[product.Name]++

	dst := filepath.Join(destDir, product.Filename())
	if fi, err := os.Stat(dst); err == nil && fi.Size() == product.ContentLength {
		return provider.ResultAlreadyComplete, nil
	}
	if p.transient[product.Name] > 0 {
		p.transient[product.Name]--
		return provider.ResultDownloaded, service.MakeTemporary(fmt.Errorf("connection reset"))
	}
	if err := os.WriteFile(dst, productBytes, 0644); err != nil {
		return provider.ResultDownloaded, err
	}
	return provider.ResultDownloaded, nil
}

var _ = Describe("Fetcher", func() {
	var (
		outputDir string
		cat       *fakeCatalog
		prov      *fakeProvider
		cfg       fetcher.Config
	)

	region := func(name string) common.Region {
		r, ok := common.RegionByName(name)
		Expect(ok).To(BeTrue())
		return r
	}

	BeforeEach(func() {
		var err error
		outputDir, err = os.MkdirTemp("", "fetcher")
		Expect(err).NotTo(HaveOccurred())

		cat = &fakeCatalog{
			products: map[string][]common.Product{
				"nord": {
					makeProduct("S2A_MSIL1C_20230615T103631_N0509_R008_T29SND_20230615T142132", "nord", 15, 35),
					makeProduct("S2B_MSIL1C_20230616T104629_N0509_R051_T30STC_20230616T125959", "nord", 16, 10),
				},
				"sud": {
					makeProduct("S2A_MSIL1C_20230618T103631_N0509_R008_T29RNQ_20230618T142132", "sud", 18, 20),
				},
			},
			failRegions: map[string]error{},
		}
		prov = newFakeProvider()
		cfg = fetcher.Config{
			OutputDir:     outputDir,
			Regions:       []common.Region{region("nord"), region("centre"), region("sud")},
			Start:         time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			End:           time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
			MaxCloudCover: 40,
			MaxTries:      3,
			Backoff:       time.Millisecond,
		}
	})

	AfterEach(func() {
		os.RemoveAll(outputDir)
	})

	run := func() fetcher.Report {
		f, err := fetcher.New(cfg, cat, []provider.ImageProvider{prov}, nil)
		Expect(err).NotTo(HaveOccurred())
		report, err := f.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		return report
	}

	It("authenticates once and downloads every product under region/date", func() {
		report := run()
		Expect(prov.authenticated).To(BeTrue())
		Expect(report.Found).To(Equal(3))
		Expect(report.Downloaded).To(Equal(3))
		Expect(report.Failed()).To(BeFalse())

		Expect(filepath.Join(outputDir, "nord", "2023-06-15",
			"S2A_MSIL1C_20230615T103631_N0509_R008_T29SND_20230615T142132.zip")).To(BeAnExistingFile())
		Expect(filepath.Join(outputDir, "nord", "2023-06-16",
			"S2B_MSIL1C_20230616T104629_N0509_R051_T30STC_20230616T125959.zip")).To(BeAnExistingFile())
		Expect(filepath.Join(outputDir, "sud", "2023-06-18",
			"S2A_MSIL1C_20230618T103631_N0509_R008_T29RNQ_20230618T142132.zip")).To(BeAnExistingFile())
	})

	It("is idempotent: a second run transfers nothing", func() {
		run()
		report := run()
		Expect(report.Downloaded).To(Equal(0))
		Expect(report.AlreadyComplete).To(Equal(3))
		Expect(report.Failed()).To(BeFalse())
	})

	It("isolates a failed region search", func() {
		cat.failRegions["centre"] = fmt.Errorf("catalog unavailable")
		report := run()
		Expect(report.Downloaded).To(Equal(3))
		Expect(report.SearchFailures).To(HaveKey("centre"))
		Expect(report.Failed()).To(BeTrue())
	})

	It("retries transient failures and recovers", func() {
		name := "S2A_MSIL1C_20230618T103631_N0509_R008_T29RNQ_20230618T142132"
		prov.transient[name] = 2
		report := run()
		Expect(report.Downloaded).To(Equal(3))
		Expect(report.Failed()).To(BeFalse())
		Expect(prov.attempts[name]).To(Equal(3))
	})

	It("gives up after the configured attempts and keeps the batch going", func() {
		name := "S2B_MSIL1C_20230616T104629_N0509_R051_T30STC_20230616T125959"
		prov.transient[name] = 100
		report := run()
		Expect(prov.attempts[name]).To(Equal(cfg.MaxTries))
		Expect(report.Downloaded).To(Equal(2))
		Expect(report.Failures).To(HaveLen(1))
		Expect(report.Failures[0].Product).To(Equal(name))
		Expect(report.Failures[0].Region).To(Equal("nord"))
		Expect(report.Failed()).To(BeTrue())
	})

	It("aborts the whole run when authentication fails", func() {
		prov.failAuth = service.MakeFatal(fmt.Errorf("invalid credentials"))
		f, err := fetcher.New(cfg, cat, []provider.ImageProvider{prov}, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.Run(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(service.Fatal(err)).To(BeTrue())
	})

	It("mirrors completed products", func() {
		mirrorDir, err := os.MkdirTemp("", "mirror")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(mirrorDir)

		mirror, err := service.NewMirror(context.Background(), mirrorDir)
		Expect(err).NotTo(HaveOccurred())

		f, err := fetcher.New(cfg, cat, []provider.ImageProvider{prov}, mirror)
		Expect(err).NotTo(HaveOccurred())
		report, err := f.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed()).To(BeFalse())

		Expect(filepath.Join(mirrorDir, "sud", "2023-06-18",
			"S2A_MSIL1C_20230618T103631_N0509_R008_T29RNQ_20230618T142132.zip")).To(BeAnExistingFile())
	})

	It("repairs a missing mirror copy on a re-run without re-downloading", func() {
		mirrorDir, err := os.MkdirTemp("", "mirror")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(mirrorDir)

		mirror, err := service.NewMirror(context.Background(), mirrorDir)
		Expect(err).NotTo(HaveOccurred())

		// products are complete locally, the mirror is empty
		run()
		f, err := fetcher.New(cfg, cat, []provider.ImageProvider{prov}, mirror)
		Expect(err).NotTo(HaveOccurred())
		report, err := f.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failed()).To(BeFalse())
		Expect(report.AlreadyComplete).To(Equal(3))

		Expect(filepath.Join(mirrorDir, "sud", "2023-06-18",
			"S2A_MSIL1C_20230618T103631_N0509_R008_T29RNQ_20230618T142132.zip")).To(BeAnExistingFile())
	})

	It("downloads in parallel with one in-flight download per path", func() {
		cfg.Jobs = 3
		report := run()
		Expect(report.Downloaded).To(Equal(3))
		Expect(report.Failed()).To(BeFalse())
	})
})
