package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/fetcher"
	"github.com/maghreb-eo/sentinel-fetcher/interface/catalog/copernicus"
	"github.com/maghreb-eo/sentinel-fetcher/interface/provider"
	"github.com/maghreb-eo/sentinel-fetcher/service"
	"github.com/maghreb-eo/sentinel-fetcher/service/log"
)

type config struct {
	Username string
	Password string

	Start         time.Time
	End           time.Time
	MaxCloudCover float64
	Regions       []common.Region

	OutputDir     string
	LocalPath     string
	MirrorURI     string
	MaxTries      int
	Jobs          int
	DownloadDelay time.Duration
	Timeout       time.Duration
	Extract       bool
	Verbose       bool
}

func newAppConfig() (*config, error) {
	config := config{}

	// Credentials
	flag.StringVar(&config.Username, "username", os.Getenv("CDSE_USERNAME"), "Copernicus Data Space account username (default: $CDSE_USERNAME, prompted if empty)")
	flag.StringVar(&config.Password, "password", os.Getenv("CDSE_PASSWORD"), "Copernicus Data Space account password (default: $CDSE_PASSWORD, prompted if empty)")

	// Search
	start := flag.String("start", "", "start of the acquisition date range (inclusive)")
	end := flag.String("end", "", "end of the acquisition date range (inclusive, default: today)")
	flag.Float64Var(&config.MaxCloudCover, "max-cloud-cover", 30, "maximum cloud cover percentage")
	regions := flag.String("regions", strings.Join(common.RegionNames(), ","), "comma-separated list of regions to process")

	// Output
	flag.StringVar(&config.OutputDir, "output", "morocco_sentinel_data", "output directory. Products are stored under <output>/<region>/<date>/")
	flag.StringVar(&config.LocalPath, "local-path", "", "local path where products are already stored (optional). To configure a local path as a potential image Provider.")
	flag.StringVar(&config.MirrorURI, "mirror-uri", "", "storage uri (currently supported: local, gs). To mirror completed products (optional).")
	flag.BoolVar(&config.Extract, "extract", false, "unzip each product into its destination folder instead of keeping the archive")

	// Robustness
	flag.IntVar(&config.MaxTries, "max-tries", 3, "download attempts per product")
	flag.IntVar(&config.Jobs, "jobs", 1, "parallel downloads")
	flag.DurationVar(&config.DownloadDelay, "download-delay", 5*time.Second, "delay between sequential downloads")
	flag.DurationVar(&config.Timeout, "timeout", 0, "global deadline for the whole run (0: none)")
	flag.BoolVar(&config.Verbose, "verbose", false, "enable debug logs")

	flag.Parse()

	if *start == "" {
		return nil, fmt.Errorf("missing start config flag")
	}
	var err error
	if config.Start, err = parseDay(*start, false); err != nil {
		return nil, fmt.Errorf("start date: %w", err)
	}
	config.End = time.Now()
	if *end != "" {
		if config.End, err = parseDay(*end, true); err != nil {
			return nil, fmt.Errorf("end date: %w", err)
		}
	}
	if config.End.Before(config.Start) {
		return nil, fmt.Errorf("end date is before start date")
	}
	if config.MaxCloudCover < 0 || config.MaxCloudCover > 100 {
		return nil, fmt.Errorf("max-cloud-cover must be in [0, 100]")
	}

	seen := service.StringSet{}
	for _, name := range strings.Split(*regions, ",") {
		region, ok := common.RegionByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown region %q (available: %s)", name, strings.Join(common.RegionNames(), ", "))
		}
		if seen.Exists(region.Name) {
			continue
		}
		seen.Push(region.Name)
		config.Regions = append(config.Regions, region)
	}

	return &config, nil
}

// parseDay parses a flexible date. A date given without a time of day spans
// the whole day: the end bound is pushed to the last instant of that day.
func parseDay(value string, endOfDay bool) (time.Time, error) {
	t, err := dateparse.ParseAny(value)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// promptCredentials asks for the missing credentials on the terminal, never
// echoing the password
func promptCredentials(config *config) error {
	if config.Username != "" && config.Password != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("missing credentials (use -username/-password or $CDSE_USERNAME/$CDSE_PASSWORD)")
	}
	if config.Username == "" {
		fmt.Fprint(os.Stderr, "Copernicus Data Space username: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read username: %w", err)
		}
		config.Username = strings.TrimSpace(line)
	}
	if config.Password == "" {
		fmt.Fprint(os.Stderr, "Copernicus Data Space password: ")
		pword, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		config.Password = string(pword)
	}
	if config.Username == "" || config.Password == "" {
		return fmt.Errorf("missing credentials")
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// On interruption the context is cancelled and in-flight transfers stop,
	// leaving partial files on disk valid for a later resume.
	if err := run(ctx); err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if config.Verbose {
		log.SetLevel(zapcore.DebugLevel)
	}
	if err := promptCredentials(config); err != nil {
		return err
	}
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	ctx = log.With(ctx, "run", uuid.New().String())

	// Load image providers
	var imageProviders []provider.ImageProvider
	var providerNames []string
	if config.LocalPath != "" {
		providerNames = append(providerNames, "local ("+config.LocalPath+")")
		imageProviders = append(imageProviders, provider.NewLocalImageProvider(config.LocalPath))
	}
	copernicusProvider := provider.NewCopernicusImageProvider(config.Username, config.Password)
	if config.Extract {
		copernicusProvider = copernicusProvider.WithExtraction()
	}
	providerNames = append(providerNames, "Copernicus ("+config.Username+")")
	imageProviders = append(imageProviders, copernicusProvider)

	var mirror service.Mirror
	if config.MirrorURI != "" {
		if mirror, err = service.NewMirror(ctx, config.MirrorURI); err != nil {
			return fmt.Errorf("mirror %s: %w", config.MirrorURI, err)
		}
	}

	f, err := fetcher.New(fetcher.Config{
		OutputDir:     config.OutputDir,
		Regions:       config.Regions,
		Start:         config.Start,
		End:           config.End,
		MaxCloudCover: config.MaxCloudCover,
		MaxTries:      config.MaxTries,
		Jobs:          config.Jobs,
		DownloadDelay: config.DownloadDelay,
	}, &copernicus.Provider{}, imageProviders, mirror)
	if err != nil {
		return err
	}

	log.Logger(ctx).Sugar().Infof("fetching %s to %s (cloud cover <= %g%%) downloading from %s to %s",
		config.Start.Format("2006-01-02"), config.End.Format("2006-01-02"), config.MaxCloudCover,
		strings.Join(providerNames, ", "), config.OutputDir)

	report, err := f.Run(ctx)
	if err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("%d region(s) and %d product(s) failed, see logs for details",
			len(report.SearchFailures), len(report.Failures))
	}
	return nil
}
