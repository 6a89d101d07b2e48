package catalog

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/airbusgeo/godal"
	"github.com/nci/gsky-s2/processor"
	"github.com/nci/gsky-s2/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Loader reads the band rasters of catalog records with GDAL. Bands of a
// scene are brought onto the grid of its finest resolution band, or warped
// onto Grid when it is set so every scene shares one grid.
type Loader struct {
	Concurrency int
	Grid        *utils.GeoReference
	bytesRead   int64
}

func NewLoader(concurrency int) *Loader {
	utils.InitGdal()
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Loader{Concurrency: concurrency}
}

func (l *Loader) BytesRead() int64 {
	return atomic.LoadInt64(&l.bytesRead)
}

type bandInfo struct {
	file BandFile
	ds   *godal.Dataset
	geo  utils.GeoReference
}

func openBand(file BandFile) (*bandInfo, error) {
	ds, err := godal.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("band %s: %w", file.Name, err)
	}
	if len(ds.Bands()) == 0 {
		ds.Close()
		return nil, fmt.Errorf("band %s: %s has no raster bands", file.Name, file.Path)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("band %s: %w", file.Name, err)
	}

	st := ds.Structure()
	info := &bandInfo{
		file: file,
		ds:   ds,
		geo: utils.GeoReference{
			GeoTransform: gt,
			Width:        st.SizeX,
			Height:       st.SizeY,
		},
	}

	sr := ds.SpatialRef()
	if sr != nil {
		if code := sr.AuthorityCode(""); len(code) > 0 {
			info.geo.CRS = fmt.Sprintf("%s:%s", sr.AuthorityName(""), code)
		}
		sr.Close()
	}
	return info, nil
}

// sameExtent reports whether two grids cover the same area to within half
// a pixel of the finer one.
func sameExtent(a, b utils.GeoReference) bool {
	tol := math.Min(a.Resolution(), b.Resolution()) / 2
	ba, bb := a.Bound(), b.Bound()
	return math.Abs(ba.Min[0]-bb.Min[0]) <= tol && math.Abs(ba.Min[1]-bb.Min[1]) <= tol &&
		math.Abs(ba.Max[0]-bb.Max[0]) <= tol && math.Abs(ba.Max[1]-bb.Max[1]) <= tol
}

// LoadScene opens every band of rec and reads it as float32. Band no-data
// values become NaN.
func (l *Loader) LoadScene(ctx context.Context, rec *SceneRecord) (*processor.Scene, error) {
	if len(rec.Bands) == 0 {
		return nil, fmt.Errorf("scene %s has no bands", rec.ID)
	}

	var infos []*bandInfo
	defer func() {
		for _, bi := range infos {
			bi.ds.Close()
		}
	}()

	ref := -1
	for _, file := range rec.Bands {
		bi, err := openBand(file)
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", rec.ID, err)
		}
		infos = append(infos, bi)
		if ref < 0 || bi.geo.Resolution() < infos[ref].geo.Resolution() {
			ref = len(infos) - 1
		}
	}
	geo := infos[ref].geo
	if l.Grid != nil {
		geo = *l.Grid
	}

	scene := &processor.Scene{
		ID:                    rec.ID,
		TimeStart:             rec.TimeStart,
		TimeEnd:               rec.TimeEnd,
		Geo:                   geo,
		CloudyPixelPercentage: rec.CloudyPixelPercentage,
		OrbitNumber:           rec.OrbitNumber,
	}

	for _, bi := range infos {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var raster *utils.Float32Raster
		var err error
		if l.Grid != nil {
			raster, err = warpBand(bi, geo)
		} else {
			if bi.geo.CRS != geo.CRS {
				return nil, fmt.Errorf("scene %s: band %s CRS %s differs from %s", rec.ID, bi.file.Name, bi.geo.CRS, geo.CRS)
			}
			if !sameExtent(bi.geo, geo) {
				return nil, fmt.Errorf("scene %s: band %s extent differs from the scene grid", rec.ID, bi.file.Name)
			}
			raster, err = readBand(bi.file.Name, bi.ds, geo)
		}
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", rec.ID, err)
		}
		atomic.AddInt64(&l.bytesRead, int64(len(raster.Data))*4)
		scene.Bands = append(scene.Bands, raster)
	}

	return scene, nil
}

// readBand reads the first band of ds into a geo sized raster.
func readBand(name string, ds *godal.Dataset, geo utils.GeoReference) (*utils.Float32Raster, error) {
	raster := utils.NewFloat32Raster(name, geo.Width, geo.Height)
	band := ds.Bands()[0]
	// GDAL resamples nearest neighbour when the buffer differs from the band size
	if err := band.Read(0, 0, raster.Data, geo.Width, geo.Height); err != nil {
		return nil, fmt.Errorf("reading band %s: %w", name, err)
	}
	if nodata, ok := band.NoData(); ok {
		nd := float32(nodata)
		for i, v := range raster.Data {
			if v == nd {
				raster.Data[i] = utils.NoDataValue()
			}
		}
	}
	return raster, nil
}

func gridSwitches(geo utils.GeoReference) []string {
	b := geo.Bound()
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		"-of", "MEM",
		"-ot", "Float32",
		"-t_srs", geo.CRS,
		"-te", f(b.Min[0]), f(b.Min[1]), f(b.Max[0]), f(b.Max[1]),
		"-ts", strconv.Itoa(geo.Width), strconv.Itoa(geo.Height),
		"-r", "near",
		"-dstnodata", "nan",
	}
}

// warpBand reprojects a band onto geo. Pixels the band does not cover
// hold no data.
func warpBand(bi *bandInfo, geo utils.GeoReference) (*utils.Float32Raster, error) {
	if len(bi.geo.CRS) == 0 {
		return nil, fmt.Errorf("band %s: %s has no CRS to warp from", bi.file.Name, bi.file.Path)
	}
	warped, err := bi.ds.Warp("", gridSwitches(geo))
	if err != nil {
		return nil, fmt.Errorf("warping band %s to %s: %w", bi.file.Name, geo.CRS, err)
	}
	defer warped.Close()
	return readBand(bi.file.Name, warped, geo)
}

// LoadScenes loads recs concurrently, keeping their order.
func (l *Loader) LoadScenes(ctx context.Context, recs []*SceneRecord, verbose bool) ([]*processor.Scene, error) {
	scenes := make([]*processor.Scene, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.Concurrency)
	for i, rec := range recs {
		i, rec := i, rec
		g.Go(func() error {
			scene, err := l.LoadScene(gctx, rec)
			if err != nil {
				return err
			}
			if verbose {
				log.Infof("loaded scene %s: %d bands %dx%d %s", rec.ID, len(scene.Bands), scene.Geo.Width, scene.Geo.Height, scene.Geo.CRS)
			}
			scenes[i] = scene
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scenes, nil
}
