package utils

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utmGrid(x0, y0 float64, width, height int) GeoReference {
	return GeoReference{
		CRS:          "EPSG:32632",
		GeoTransform: [6]float64{x0, 10, 0, y0, 0, -10},
		Width:        width,
		Height:       height,
	}
}

func TestAlignedGrid(t *testing.T) {
	geo, err := AlignedGrid("EPSG:25832", orb.Bound{Min: orb.Point{600003, 5499951}, Max: orb.Point{600041, 5499998}}, 10)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:25832", geo.CRS)
	assert.Equal(t, [6]float64{600000, 10, 0, 5500000, 0, -10}, geo.GeoTransform)
	assert.Equal(t, 5, geo.Width)
	assert.Equal(t, 5, geo.Height)

	_, err = AlignedGrid("EPSG:25832", orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, 0)
	assert.Error(t, err)
	_, err = AlignedGrid("EPSG:25832", orb.Bound{Min: orb.Point{20, 0}, Max: orb.Point{10, 10}}, 10)
	assert.Error(t, err)
}

func TestUnionGrid(t *testing.T) {
	a := utmGrid(600000, 5500000, 4, 3)
	b := utmGrid(600020, 5499990, 4, 3)
	u, err := UnionGrid([]GeoReference{b, a})
	require.NoError(t, err)
	assert.Equal(t, [6]float64{600000, 10, 0, 5500000, 0, -10}, u.GeoTransform)
	assert.Equal(t, 6, u.Width)
	assert.Equal(t, 4, u.Height)

	u, err = UnionGrid([]GeoReference{a, a})
	require.NoError(t, err)
	assert.True(t, u.SameGrid(a))

	_, err = UnionGrid([]GeoReference{a, utmGrid(600005, 5500000, 4, 3)})
	assert.Error(t, err)

	other := a
	other.CRS = "EPSG:32633"
	_, err = UnionGrid([]GeoReference{a, other})
	assert.Error(t, err)

	coarse := a
	coarse.GeoTransform[1] = 20
	_, err = UnionGrid([]GeoReference{a, coarse})
	assert.Error(t, err)

	_, err = UnionGrid(nil)
	assert.Error(t, err)
}

func TestPasteRaster(t *testing.T) {
	src := utmGrid(600010, 5499990, 2, 1)
	dst := utmGrid(600000, 5500000, 4, 3)
	r := NewFloat32Raster("B4", 2, 1)
	r.Data[0], r.Data[1] = 7, 8

	out, err := PasteRaster(r, src, dst)
	require.NoError(t, err)
	require.Len(t, out.Data, 12)
	assert.Equal(t, float32(7), out.Data[5])
	assert.Equal(t, float32(8), out.Data[6])
	assert.Equal(t, 2, out.ValidCount())

	same, err := PasteRaster(r, src, src)
	require.NoError(t, err)
	assert.Same(t, r, same)

	_, err = PasteRaster(r, src, utmGrid(600020, 5500000, 4, 3))
	assert.Error(t, err)
	_, err = PasteRaster(NewFloat32Raster("B4", 3, 1), src, dst)
	assert.Error(t, err)
}
