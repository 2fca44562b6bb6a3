// Command trolley searches and downloads studies from the PACS described by
// the SOURCE_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/cache"
	"github.com/otcheredev/ris-dicom-trolley/internal/config"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
	"github.com/otcheredev/ris-dicom-trolley/internal/trolley"
	"github.com/otcheredev/ris-dicom-trolley/pkg/logger"
	"github.com/rs/zerolog/log"
)

type globals struct {
	LogLevel  string        `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string        `help:"Log format (json, console)." default:"console" enum:"json,console"`
	Timeout   time.Duration `help:"Give up after this long, 0 for no limit." default:"0"`
	JSON      bool          `help:"Print results as JSON."`
}

type queryFlags struct {
	StudyUID    string   `name:"study-uid" help:"StudyInstanceUID."`
	SeriesUID   string   `name:"series-uid" help:"SeriesInstanceUID."`
	PatientID   string   `help:"PatientID."`
	PatientName string   `help:"PatientName, wildcards allowed."`
	Accession   string   `help:"AccessionNumber."`
	Modalities  string   `help:"ModalitiesInStudy."`
	Description string   `help:"StudyDescription."`
	Date        string   `help:"StudyDate as YYYYMMDD or YYYYMMDD-YYYYMMDD."`
	Level       string   `help:"Query level (STUDY, SERIES, INSTANCE)." default:"STUDY"`
	Include     []string `help:"Additional attributes to return."`
	Limit       int      `help:"Maximum number of results."`
	Offset      int      `help:"Results to skip."`
}

func (f queryFlags) query() (models.Query, error) {
	q := models.Query{
		StudyInstanceUID:  f.StudyUID,
		SeriesInstanceUID: f.SeriesUID,
		PatientID:         f.PatientID,
		PatientName:       f.PatientName,
		AccessionNumber:   f.Accession,
		ModalitiesInStudy: f.Modalities,
		StudyDescription:  f.Description,
		IncludeFields:     f.Include,
		Limit:             f.Limit,
		Offset:            f.Offset,
	}
	level, err := models.ParseLevel(f.Level)
	if err != nil {
		return q, err
	}
	q.QueryLevel = level
	if f.Date != "" {
		if q.MinStudyDate, q.MaxStudyDate, err = models.ParseStudyDateRange(f.Date); err != nil {
			return q, err
		}
	}
	return q, q.Validate()
}

func (f queryFlags) empty() bool {
	return f.StudyUID == "" && f.SeriesUID == "" && f.PatientID == "" && f.PatientName == "" &&
		f.Accession == "" && f.Modalities == "" && f.Description == "" && f.Date == ""
}

type searchCmd struct {
	queryFlags `embed:""`
}

func (c *searchCmd) Run(ctx context.Context, g *globals, cfg *config.Config) error {
	query, err := c.query()
	if err != nil {
		return err
	}
	t, closeFn, err := newTrolley(cfg, 0)
	if err != nil {
		return err
	}
	defer closeFn()

	studies, err := t.FindStudies(ctx, query)
	if err != nil {
		return err
	}
	if g.JSON {
		return printJSON(studies)
	}
	for _, study := range studies {
		fmt.Printf("%s  %s  %s  %s\n", study.UID,
			study.Attribute("PatientID"), study.Attribute("StudyDate"), study.ShortString())
	}
	return nil
}

type downloadCmd struct {
	queryFlags `embed:"" prefix:"query-"`

	Refs    []string `arg:"" optional:"" name:"ref" help:"References as study[/series[/instance]]."`
	Root    string   `help:"Directory (or bucket prefix) to store into. Defaults to DOWNLOAD_ROOT."`
	Workers int      `help:"Items downloaded concurrently. Defaults to DOWNLOAD_WORKERS." default:"-1"`
}

func (c *downloadCmd) Run(ctx context.Context, g *globals, cfg *config.Config) error {
	workers := c.Workers
	if workers < 0 {
		workers = cfg.Download.Workers
	}
	root := c.Root
	if root == "" {
		root = cfg.Download.Root
	}

	t, closeFn, err := newTrolley(cfg, workers)
	if err != nil {
		return err
	}
	defer closeFn()

	var items []models.Downloadable
	switch {
	case len(c.Refs) > 0 && !c.queryFlags.empty():
		return fmt.Errorf("give either references or query flags, not both")
	case len(c.Refs) > 0:
		for _, s := range c.Refs {
			ref, err := models.ParseReference(s)
			if err != nil {
				return err
			}
			items = append(items, ref)
		}
	case !c.queryFlags.empty():
		query, err := c.query()
		if err != nil {
			return err
		}
		studies, err := t.FindStudies(ctx, query)
		if err != nil {
			return err
		}
		for _, study := range studies {
			items = append(items, study.Ref())
		}
		if len(items) == 0 {
			log.Info().Str("query", query.ShortString()).Msg("No studies matched")
			return nil
		}
	default:
		return fmt.Errorf("nothing to download: give references or query flags")
	}

	report, err := t.Download(ctx, root, items...)
	if report != nil {
		if g.JSON {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		} else {
			fmt.Println(report)
			for _, item := range report.Failed() {
				fmt.Printf("  failed %s: %v\n", item.Target, item.Err)
			}
		}
	}
	return err
}

// newTrolley wires the configured source, an in memory query cache and the
// configured storage sink
func newTrolley(cfg *config.Config, workers int) (*trolley.Trolley, func(), error) {
	pacs, err := cfg.Source.PACSConfig()
	if err != nil {
		return nil, nil, err
	}
	source, err := adapters.NewSource(pacs, adapters.WithSpoolDir(cfg.Download.SpoolDir))
	if err != nil {
		return nil, nil, err
	}

	store := cache.NewMemoryCache(cfg.Cache.CleanupInterval)
	ttl := cfg.Cache.TTL
	if !cfg.Cache.Enabled {
		ttl = 0
	}
	searcher := cache.NewCachedSearcher(source.Searcher, store, ttl)

	var sink storage.Storage = storage.NewDir()
	switch cfg.Storage.Backend {
	case "flat":
		sink = storage.NewFlatDir()
	case "s3":
		s3, err := storage.NewS3(context.Background(), storage.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			SpoolDir:  cfg.Download.SpoolDir,
		})
		if err != nil {
			source.Close()
			store.Close()
			return nil, nil, err
		}
		sink = s3
	}

	closeFn := func() {
		if err := source.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close source")
		}
		store.Close()
	}
	return trolley.New(searcher, source.Downloader, sink, trolley.WithWorkers(workers)), closeFn, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var cli struct {
	globals `embed:""`

	Search   searchCmd   `cmd:"" help:"Search the source for studies."`
	Download downloadCmd `cmd:"" help:"Download references, or every study matching the query flags."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("trolley"),
		kong.Description("Search and download DICOM studies from a PACS."),
		kong.UsageOnError(),
	)

	logger.Init(cli.LogLevel, cli.LogFormat)

	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)
	kctx.Bind(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cli.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.Timeout)
		defer cancel()
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.globals))
}
