package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoReference describes the grid a raster is sampled on. GeoTransform
// follows the GDAL convention: x = gt[0] + col*gt[1] + row*gt[2],
// y = gt[3] + col*gt[4] + row*gt[5].
type GeoReference struct {
	CRS           string     `json:"crs"`
	GeoTransform  [6]float64 `json:"geotransform"`
	Width, Height int
}

func (g GeoReference) Size() int {
	return g.Width * g.Height
}

// Resolution returns the pixel width in CRS units.
func (g GeoReference) Resolution() float64 {
	return math.Abs(g.GeoTransform[1])
}

func (g GeoReference) SameGrid(o GeoReference) bool {
	return g.CRS == o.CRS && g.GeoTransform == o.GeoTransform && g.Width == o.Width && g.Height == o.Height
}

// PixelCenter returns the CRS coordinates of the centre of pixel (x, y).
func (g GeoReference) PixelCenter(x, y int) orb.Point {
	gt := g.GeoTransform
	px := float64(x) + 0.5
	py := float64(y) + 0.5
	return orb.Point{
		gt[0] + gt[1]*px + gt[2]*py,
		gt[3] + gt[4]*px + gt[5]*py,
	}
}

// PixelOf returns the pixel containing p. Rotated grids are not supported.
func (g GeoReference) PixelOf(p orb.Point) (int, int, bool) {
	gt := g.GeoTransform
	if gt[1] == 0 || gt[5] == 0 {
		return 0, 0, false
	}
	col := int(math.Floor((p[0] - gt[0]) / gt[1]))
	row := int(math.Floor((p[1] - gt[3]) / gt[5]))
	if col < 0 || col >= g.Width || row < 0 || row >= g.Height {
		return 0, 0, false
	}
	return col, row, true
}

// Bound returns the extent of the grid in CRS units.
func (g GeoReference) Bound() orb.Bound {
	gt := g.GeoTransform
	x0, y0 := gt[0], gt[3]
	x1 := gt[0] + gt[1]*float64(g.Width) + gt[2]*float64(g.Height)
	y1 := gt[3] + gt[4]*float64(g.Width) + gt[5]*float64(g.Height)
	return orb.MultiPoint{{x0, y0}, {x1, y1}}.Bound()
}

// Float32Raster is a single named band. NaN marks no data while the raster
// is in memory; NoData is the value written out by encoders.
type Float32Raster struct {
	Data          []float32
	Height, Width int
	NoData        float64
	NameSpace     string
}

func NewFloat32Raster(ns string, width, height int) *Float32Raster {
	return &Float32Raster{
		Data:      make([]float32, width*height),
		Height:    height,
		Width:     width,
		NoData:    math.NaN(),
		NameSpace: ns,
	}
}

func (r *Float32Raster) GetNoData() float64 {
	return r.NoData
}

func (r *Float32Raster) Clone() *Float32Raster {
	out := *r
	out.Data = make([]float32, len(r.Data))
	copy(out.Data, r.Data)
	return &out
}

// Fill sets every pixel to v.
func (r *Float32Raster) Fill(v float32) {
	for i := range r.Data {
		r.Data[i] = v
	}
}

// ValidCount returns the number of pixels holding data.
func (r *Float32Raster) ValidCount() int {
	n := 0
	for _, v := range r.Data {
		if !IsNoData(v) {
			n++
		}
	}
	return n
}

func IsNoData(v float32) bool {
	return math.IsNaN(float64(v))
}

// NoDataValue is the in-memory no data marker.
func NoDataValue() float32 {
	return float32(math.NaN())
}

// ValidateRasterSlice checks that every raster matches the grid size.
func ValidateRasterSlice(rs []*Float32Raster, geo GeoReference) error {
	for _, r := range rs {
		if r == nil {
			return fmt.Errorf("nil raster")
		}
		if r.Width != geo.Width || r.Height != geo.Height {
			return fmt.Errorf("raster %s is %dx%d, grid is %dx%d", r.NameSpace, r.Width, r.Height, geo.Width, geo.Height)
		}
		if len(r.Data) != r.Width*r.Height {
			return fmt.Errorf("raster %s holds %d pixels, expected %d", r.NameSpace, len(r.Data), r.Width*r.Height)
		}
	}
	return nil
}

// FindRaster returns the raster with the given namespace.
func FindRaster(rs []*Float32Raster, ns string) (*Float32Raster, bool) {
	for _, r := range rs {
		if r.NameSpace == ns {
			return r, true
		}
	}
	return nil, false
}

// ExtractEPSGCode parses an "EPSG:<code>" identifier.
func ExtractEPSGCode(srs string) (int, error) {
	if !strings.HasPrefix(strings.ToUpper(srs), "EPSG:") {
		return 0, fmt.Errorf("unsupported CRS identifier %q, expecting EPSG:<code>", srs)
	}
	return strconv.Atoi(srs[5:])
}
