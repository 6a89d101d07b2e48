package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nci/gsky-s2/catalog"
	"github.com/nci/gsky-s2/export"
	"github.com/nci/gsky-s2/metrics"
	"github.com/nci/gsky-s2/processor"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// catalog boundaries are GeoJSON in geographic coordinates
const boundaryCRS = "EPSG:4326"

func newRunCommand() *cobra.Command {
	var basemap bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Composite the catalog scenes, derive the indices and export them",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			return runProcessing(cmd.Context(), config, basemap)
		},
	}
	cmd.Flags().BoolVar(&basemap, "basemap", false, "Also export the median of all masked scenes.")
	return cmd
}

func newMetricsLogger(config *utils.Config) (metrics.Logger, func(), error) {
	if len(config.ServiceConfig.LogDir) == 0 {
		return metrics.NewStdoutLogger(), func() {}, nil
	}
	fl, err := metrics.NewFileLogger(config.ServiceConfig.LogDir, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return fl, fl.Close, nil
}

// newZonalReducer stacks retries and, when memcache is configured,
// caching on top of the in-process region scan.
func newZonalReducer(config *utils.Config) processor.ZonalReducer {
	var reducer processor.ZonalReducer = &processor.RegionReducer{
		Limiter: processor.NewConcLimiter(config.Indices.ZonalConcurrency),
	}
	reducer = &processor.RetryingReducer{Next: reducer, MaxRetries: config.Indices.Zonal.Retries}
	if len(config.ServiceConfig.MemcacheAddress) > 0 {
		reducer = processor.NewCachingReducer(reducer, config.ServiceConfig.MemcacheAddress)
	}
	return reducer
}

func newPipeline(ctx context.Context, config *utils.Config, mc *metrics.MetricsCollector) (*processor.Pipeline, error) {
	maskParams, err := processor.NewMaskParams(config.Mask)
	if err != nil {
		return nil, err
	}
	policy, err := processor.ParseMetadataPolicy(config.Composite.MetadataPolicy)
	if err != nil {
		return nil, err
	}
	engine, err := processor.NewIndexEngine(config.Indices.Expressions, newZonalReducer(config))
	if err != nil {
		return nil, err
	}

	region, err := zonalRegion(config)
	if err != nil {
		return nil, err
	}

	opts := processor.CompositeOptions{
		IncludeLastDate: config.Composite.IncludeLastDate,
		Policy:          policy,
		Concurrency:     config.Composite.Concurrency,
	}
	zonal := processor.ZonalParams{
		CRS:       config.Indices.Zonal.CRS,
		Scale:     config.Indices.Zonal.Scale,
		MaxPixels: config.Indices.Zonal.MaxPixels,
	}

	p := processor.InitPipeline(ctx, maskParams, opts, engine, region, zonal)
	p.IndexConcurrency = config.Indices.Concurrency
	p.Metrics = mc
	p.Verbose = verbose
	return p, nil
}

// zonalRegion returns the region zonal statistics are computed over, in
// the zonal CRS. Without an explicit region the catalog boundary is used.
func zonalRegion(config *utils.Config) (orb.Geometry, error) {
	zonal := config.Indices.Zonal
	if len(zonal.Region) > 0 {
		return utils.LoadGeoJSON(zonal.Region)
	}
	if len(config.Catalog.Boundary) == 0 {
		return nil, fmt.Errorf("no zonal region: set indices.zonal.region or catalog.boundary")
	}
	boundary, err := utils.LoadGeoJSON(config.Catalog.Boundary)
	if err != nil {
		return nil, err
	}
	region, err := utils.TransformGeometry(boundary, boundaryCRS, zonal.CRS)
	if err != nil {
		return nil, fmt.Errorf("catalog boundary: %w", err)
	}
	log.Debugf("zonal region is the catalog boundary in %s", zonal.CRS)
	return region, nil
}

// loadScenes queries the catalog and reads the matching scenes.
func loadScenes(ctx context.Context, config *utils.Config, mc *metrics.MetricsCollector) ([]*processor.Scene, error) {
	t0 := time.Now()
	info := mc.Info.Catalog
	info.Source = config.Catalog.Source
	info.Collection = config.Catalog.Collection
	defer func() { info.Duration = time.Since(t0) }()

	q, err := catalog.NewQuery(config.Catalog)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(config)
	if err != nil {
		return nil, err
	}
	if c, ok := cat.(io.Closer); ok {
		defer c.Close()
	}

	recs, err := cat.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	info.NumRecords = len(recs)
	if len(recs) == 0 {
		return nil, fmt.Errorf("no scenes match %v", q)
	}
	log.Infof("catalog: %d scenes match %v", len(recs), q)

	loader := catalog.NewLoader(config.Composite.Concurrency)
	if !config.Composite.NativeGrid {
		loader.Grid, err = catalog.TargetGrid(q, recs, config.Indices.Zonal.CRS, config.Composite.Resolution)
		if err != nil {
			return nil, err
		}
		log.Infof("warping scenes onto %dx%d %s grid at %g", loader.Grid.Width, loader.Grid.Height, loader.Grid.CRS, config.Composite.Resolution)
	}
	scenes, err := loader.LoadScenes(ctx, recs, verbose)
	info.BytesRead = loader.BytesRead()
	if err != nil {
		return nil, err
	}
	info.NumScenes = len(scenes)
	return scenes, nil
}

// processCollection runs the catalog and the pipeline. A nil result means
// the run failed; otherwise the error reports the composites whose
// indices could not be derived.
func processCollection(ctx context.Context, config *utils.Config, mc *metrics.MetricsCollector) (*processor.PipelineResult, error) {
	scenes, err := loadScenes(ctx, config, mc)
	if err != nil {
		mc.Info.Errors = append(mc.Info.Errors, err.Error())
		return nil, err
	}
	p, err := newPipeline(ctx, config, mc)
	if err != nil {
		return nil, err
	}
	return p.Process(scenes)
}

func hasProduct(config *utils.Config, product string) bool {
	for _, p := range config.Export.Products {
		if p == product {
			return true
		}
	}
	return false
}

func runProcessing(ctx context.Context, config *utils.Config, basemap bool) error {
	logger, closeLogger, err := newMetricsLogger(config)
	if err != nil {
		return err
	}
	defer closeLogger()

	mc := metrics.NewMetricsCollector(logger)
	mc.Info.Command = "run"
	mc.Info.ConfigFile = configFile
	defer mc.Log()

	res, procErr := processCollection(ctx, config, mc)
	if res == nil {
		return procErr
	}
	if procErr != nil {
		log.Warnf("exporting %d index sets, some composites failed: %v", len(res.IndexSets), procErr)
	}

	t0 := time.Now()
	exporter := export.NewGeoTIFFExporter(config.Export)
	exporter.Progress = !verbose
	exporter.Verbose = verbose
	mc.Info.Export.Folder = config.Export.Folder
	defer func() { mc.Info.Export.Duration = time.Since(t0) }()

	if hasProduct(config, utils.ProductIndices) {
		files, err := exporter.ExportIndexSets(ctx, res.IndexSets)
		mc.Info.Export.NumFiles += len(files)
		if err != nil {
			return err
		}
	}
	if hasProduct(config, utils.ProductComposites) {
		files, err := exporter.ExportComposites(ctx, res.Composites)
		mc.Info.Export.NumFiles += len(files)
		if err != nil {
			return err
		}
	}
	if basemap {
		base, err := processor.MedianOfAll(ctx, res.MaskedScenes)
		if err != nil {
			return err
		}
		files, err := exporter.ExportComposites(ctx, []*processor.Composite{base})
		mc.Info.Export.NumFiles += len(files)
		if err != nil {
			return err
		}
	}

	log.Infof("exported %d files to %s", mc.Info.Export.NumFiles, config.Export.Folder)
	return procErr
}
