package processor

import (
	"fmt"
	"time"

	"github.com/nci/gsky-s2/utils"
)

// Scene is one Sentinel-2 L2A acquisition as ingested from the catalog.
// Scenes are never modified once loaded.
type Scene struct {
	ID                    string
	TimeStart             time.Time
	TimeEnd               time.Time
	Geo                   utils.GeoReference
	Bands                 []*utils.Float32Raster
	CloudyPixelPercentage float64
	OrbitNumber           int
}

func (s *Scene) Band(name string) (*utils.Float32Raster, bool) {
	return utils.FindRaster(s.Bands, name)
}

// MaskedScene holds the scaled reflectance bands of a Scene with
// contaminated pixels set to NaN. Seq is the catalog position of the
// source scene.
type MaskedScene struct {
	ID        string
	TimeStart time.Time
	TimeEnd   time.Time
	Geo       utils.GeoReference
	Bands     []*utils.Float32Raster
	Seq       int
}

func (s *MaskedScene) Band(name string) (*utils.Float32Raster, bool) {
	return utils.FindRaster(s.Bands, name)
}

// Composite is the per-pixel median of the MaskedScenes of one interval.
// Date is the compact YYYYMMDD form of the date encoded in ID.
type Composite struct {
	ID         string
	TimeStart  time.Time
	TimeEnd    time.Time
	Geo        utils.GeoReference
	Bands      []*utils.Float32Raster
	Interval   DateInterval
	SceneCount int
	Date       string
}

func (c *Composite) Band(name string) (*utils.Float32Raster, bool) {
	return utils.FindRaster(c.Bands, name)
}

const (
	BandNDVI  = "NDVI"
	BandNDRE2 = "NDRE2"
	BandNBR   = "NBR"
	BandTCW   = "TCW"
	BandTCB   = "TCB"
	BandTCG   = "TCG"
	BandDI    = "DI"
)

// IndexBands is the band order of every IndexSet.
var IndexBands = []string{BandNDVI, BandNDRE2, BandNBR, BandTCW, BandTCB, BandTCG, BandDI}

// IndexSet holds the spectral indices derived from one Composite.
// CompositeID identifies the source composite.
type IndexSet struct {
	CompositeID string
	TimeStart   time.Time
	TimeEnd     time.Time
	Date        string
	Geo         utils.GeoReference
	Bands       []*utils.Float32Raster
}

func (is *IndexSet) Band(name string) (*utils.Float32Raster, bool) {
	return utils.FindRaster(is.Bands, name)
}

// SceneError reports a scene that could not be processed.
type SceneError struct {
	SceneID string
	Err     error
}

func (e *SceneError) Error() string {
	return fmt.Sprintf("scene %s: %v", e.SceneID, e.Err)
}

func (e *SceneError) Unwrap() error {
	return e.Err
}
