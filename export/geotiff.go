package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/nci/gsky-s2/processor"
	"github.com/nci/gsky-s2/utils"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

var ErrExportTooLarge = errors.New("export exceeds the maximum number of pixels")

const (
	compositeSuffix = "_composite"
	nativeSuffix    = ".native.tif"
)

// GeoTIFFExporter writes rasters as float32 GeoTIFFs named
// <id><suffix>.tif in the export folder. Output scale and CRS that differ
// from the native grid are produced with gdalwarp.
type GeoTIFFExporter struct {
	Config   utils.ExportConfig
	Progress bool
	Verbose  bool
}

type exportItem struct {
	id    string
	geo   utils.GeoReference
	bands []*utils.Float32Raster
}

func NewGeoTIFFExporter(config utils.ExportConfig) *GeoTIFFExporter {
	utils.InitGdal()
	return &GeoTIFFExporter{Config: config}
}

func (e *GeoTIFFExporter) FileName(id string) string {
	return filepath.Join(e.Config.Folder, id+e.Config.Suffix+".tif")
}

func (e *GeoTIFFExporter) needsWarp(geo utils.GeoReference) bool {
	if len(e.Config.CRS) > 0 && e.Config.CRS != geo.CRS {
		return true
	}
	return e.Config.Scale > 0 && e.Config.Scale != geo.Resolution()
}

// outputPixels estimates the size of the exported raster.
func (e *GeoTIFFExporter) outputPixels(geo utils.GeoReference) int64 {
	n := float64(geo.Size())
	if e.Config.Scale > 0 && geo.Resolution() > 0 {
		f := geo.Resolution() / e.Config.Scale
		n *= f * f
	}
	return int64(math.Ceil(n))
}

func (e *GeoTIFFExporter) ExportIndexSets(ctx context.Context, sets []*processor.IndexSet) ([]string, error) {
	items := make([]exportItem, len(sets))
	for i, s := range sets {
		items[i] = exportItem{id: s.CompositeID, geo: s.Geo, bands: s.Bands}
	}
	return e.export(ctx, "indices", items)
}

func (e *GeoTIFFExporter) ExportComposites(ctx context.Context, comps []*processor.Composite) ([]string, error) {
	items := make([]exportItem, len(comps))
	for i, c := range comps {
		items[i] = exportItem{id: c.ID + compositeSuffix, geo: c.Geo, bands: c.Bands}
	}
	return e.export(ctx, "composites", items)
}

func (e *GeoTIFFExporter) export(ctx context.Context, what string, items []exportItem) ([]string, error) {
	if len(e.Config.Folder) > 0 {
		if err := os.MkdirAll(e.Config.Folder, 0755); err != nil {
			return nil, fmt.Errorf("export folder: %w", err)
		}
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("exporting "+what),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(e.Progress),
	)
	defer bar.Finish()

	var files []string
	for _, item := range items {
		if ctx.Err() != nil {
			return files, ctx.Err()
		}
		path := e.FileName(item.id)
		if err := e.WriteGeoTIFF(path, item.geo, item.bands); err != nil {
			return files, fmt.Errorf("exporting %s: %w", item.id, err)
		}
		if e.Verbose {
			log.Infof("exported %s", path)
		}
		files = append(files, path)
		bar.Add(1)
	}
	return files, nil
}

// WriteGeoTIFF writes bands, named by their namespace, to path.
func (e *GeoTIFFExporter) WriteGeoTIFF(path string, geo utils.GeoReference, bands []*utils.Float32Raster) error {
	if len(bands) == 0 {
		return fmt.Errorf("no bands to write")
	}
	if err := utils.ValidateRasterSlice(bands, geo); err != nil {
		return err
	}
	if limit := e.Config.MaxPixels; limit > 0 {
		if n := e.outputPixels(geo); n > limit {
			return fmt.Errorf("%w: %d > %d", ErrExportTooLarge, n, limit)
		}
	}

	if !e.needsWarp(geo) {
		return writeNative(path, geo, bands)
	}

	native := path + nativeSuffix
	if err := writeNative(native, geo, bands); err != nil {
		return err
	}
	defer os.Remove(native)

	src, err := godal.Open(native)
	if err != nil {
		return err
	}
	defer src.Close()

	// gdalwarp updates an existing destination in place
	os.Remove(path)
	dst, err := src.Warp(path, e.warpSwitches())
	if err != nil {
		return fmt.Errorf("warp: %w", err)
	}
	return dst.Close()
}

func (e *GeoTIFFExporter) warpSwitches() []string {
	switches := []string{"-of", "GTiff", "-r", "near", "-co", "TILED=YES", "-co", "COMPRESS=DEFLATE"}
	if len(e.Config.CRS) > 0 {
		switches = append(switches, "-t_srs", e.Config.CRS)
	}
	if e.Config.Scale > 0 {
		res := strconv.FormatFloat(e.Config.Scale, 'f', -1, 64)
		switches = append(switches, "-tr", res, res)
	}
	return switches
}

func writeNative(path string, geo utils.GeoReference, bands []*utils.Float32Raster) error {
	ds, err := godal.Create(godal.GTiff, path, len(bands), godal.Float32, geo.Width, geo.Height,
		godal.CreationOption("TILED=YES", "COMPRESS=DEFLATE"))
	if err != nil {
		return err
	}

	if err := ds.SetGeoTransform(geo.GeoTransform); err != nil {
		ds.Close()
		return err
	}
	if len(geo.CRS) > 0 {
		sr, err := utils.SpatialRefFromCRS(geo.CRS)
		if err != nil {
			ds.Close()
			return err
		}
		err = ds.SetSpatialRef(sr)
		sr.Close()
		if err != nil {
			ds.Close()
			return err
		}
	}

	for i, band := range ds.Bands() {
		r := bands[i]
		if err := band.SetDescription(r.NameSpace); err != nil {
			ds.Close()
			return err
		}
		if err := band.SetNoData(math.NaN()); err != nil {
			ds.Close()
			return err
		}
		if err := band.Write(0, 0, r.Data, r.Width, r.Height); err != nil {
			ds.Close()
			return fmt.Errorf("band %s: %w", r.NameSpace, err)
		}
	}
	return ds.Close()
}
