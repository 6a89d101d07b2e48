package utils

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// pixel offsets closer than this to an integer are treated as aligned
const gridAlignTolerance = 1e-6

// AlignedGrid returns the north-up grid of resolution res covering b, with
// its origin snapped to a multiple of res.
func AlignedGrid(crs string, b orb.Bound, res float64) (GeoReference, error) {
	if !(res > 0) || math.IsInf(res, 0) {
		return GeoReference{}, fmt.Errorf("invalid grid resolution: %v", res)
	}
	if b.IsEmpty() {
		return GeoReference{}, fmt.Errorf("empty grid extent")
	}
	minX := math.Floor(b.Min[0]/res) * res
	maxY := math.Ceil(b.Max[1]/res) * res
	width := int(math.Ceil((b.Max[0] - minX) / res))
	height := int(math.Ceil((maxY - b.Min[1]) / res))
	if width <= 0 || height <= 0 {
		return GeoReference{}, fmt.Errorf("grid extent %v is smaller than a pixel", b)
	}
	return GeoReference{
		CRS:          crs,
		GeoTransform: [6]float64{minX, res, 0, maxY, 0, -res},
		Width:        width,
		Height:       height,
	}, nil
}

// pixelOffset returns the position of o's origin in pixels of g.
func pixelOffset(g, o GeoReference) (int, int, error) {
	dx := (o.GeoTransform[0] - g.GeoTransform[0]) / g.GeoTransform[1]
	dy := (o.GeoTransform[3] - g.GeoTransform[3]) / g.GeoTransform[5]
	col, row := math.Round(dx), math.Round(dy)
	if math.Abs(dx-col) > gridAlignTolerance || math.Abs(dy-row) > gridAlignTolerance {
		return 0, 0, fmt.Errorf("grid origins are not a whole number of pixels apart")
	}
	return int(col), int(row), nil
}

// UnionGrid returns the smallest grid holding every grid of geos. The
// grids must share CRS and pixel size, be north-up and have origins a
// whole number of pixels apart.
func UnionGrid(geos []GeoReference) (GeoReference, error) {
	if len(geos) == 0 {
		return GeoReference{}, fmt.Errorf("no grids")
	}
	ref := geos[0]
	if ref.GeoTransform[2] != 0 || ref.GeoTransform[4] != 0 || ref.GeoTransform[1] == 0 || ref.GeoTransform[5] == 0 {
		return GeoReference{}, fmt.Errorf("rotated grids are not supported")
	}

	minCol, minRow := 0, 0
	maxCol, maxRow := ref.Width, ref.Height
	for _, g := range geos[1:] {
		if g.CRS != ref.CRS {
			return GeoReference{}, fmt.Errorf("CRS %s differs from %s", g.CRS, ref.CRS)
		}
		if g.GeoTransform[1] != ref.GeoTransform[1] || g.GeoTransform[5] != ref.GeoTransform[5] ||
			g.GeoTransform[2] != 0 || g.GeoTransform[4] != 0 {
			return GeoReference{}, fmt.Errorf("pixel size %v differs from %v", g.GeoTransform, ref.GeoTransform)
		}
		col, row, err := pixelOffset(ref, g)
		if err != nil {
			return GeoReference{}, err
		}
		if col < minCol {
			minCol = col
		}
		if row < minRow {
			minRow = row
		}
		if col+g.Width > maxCol {
			maxCol = col + g.Width
		}
		if row+g.Height > maxRow {
			maxRow = row + g.Height
		}
	}

	union := ref
	union.GeoTransform[0] = ref.GeoTransform[0] + float64(minCol)*ref.GeoTransform[1]
	union.GeoTransform[3] = ref.GeoTransform[3] + float64(minRow)*ref.GeoTransform[5]
	union.Width = maxCol - minCol
	union.Height = maxRow - minRow
	return union, nil
}

// PasteRaster copies r, sampled on src, into a new raster on dst. Pixels of
// dst outside src hold no data. dst must contain src as built by
// UnionGrid.
func PasteRaster(r *Float32Raster, src, dst GeoReference) (*Float32Raster, error) {
	if len(r.Data) != src.Size() {
		return nil, fmt.Errorf("raster %s holds %d pixels, grid has %d", r.NameSpace, len(r.Data), src.Size())
	}
	if src.SameGrid(dst) {
		return r, nil
	}
	col, row, err := pixelOffset(dst, src)
	if err != nil {
		return nil, err
	}
	if col < 0 || row < 0 || col+src.Width > dst.Width || row+src.Height > dst.Height {
		return nil, fmt.Errorf("grid %v does not contain %v", dst.Bound(), src.Bound())
	}

	out := NewFloat32Raster(r.NameSpace, dst.Width, dst.Height)
	out.NoData = r.NoData
	out.Fill(NoDataValue())
	for y := 0; y < src.Height; y++ {
		copy(out.Data[(row+y)*dst.Width+col:(row+y)*dst.Width+col+src.Width], r.Data[y*src.Width:(y+1)*src.Width])
	}
	return out, nil
}
