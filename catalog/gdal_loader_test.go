package catalog

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTiff(t *testing.T, path string, size int, res float64, nodata float64, fill func(i int) float32) {
	writeTestTiffAt(t, path, 600000, size, res, nodata, fill)
}

func writeTestTiffAt(t *testing.T, path string, x0 float64, size int, res float64, nodata float64, fill func(i int) float32) {
	utils.InitGdal()
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float32, size, size)
	require.NoError(t, err)
	require.NoError(t, ds.SetGeoTransform([6]float64{x0, res, 0, 5500000, 0, -res}))

	sr, err := godal.NewSpatialRefFromEPSG(32632)
	require.NoError(t, err)
	defer sr.Close()
	require.NoError(t, ds.SetSpatialRef(sr))

	data := make([]float32, size*size)
	for i := range data {
		data[i] = fill(i)
	}
	band := ds.Bands()[0]
	require.NoError(t, band.SetNoData(nodata))
	require.NoError(t, band.Write(0, 0, data, size, size))
	require.NoError(t, ds.Close())
}

func TestLoadScene(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b4 := filepath.Join(dir, "B04.tif")
	scl := filepath.Join(dir, "SCL.tif")
	writeTestTiff(t, b4, 4, 10, 0, func(i int) float32 { return float32(i) })
	writeTestTiff(t, scl, 2, 20, 255, func(i int) float32 { return float32(4 + i) })

	rec := testRecord("20210601T103031_a", "2021-06-01")
	rec.Bands = []BandFile{{Name: "SCL", Path: scl}, {Name: "B4", Path: b4}}

	loader := NewLoader(2)
	scene, err := loader.LoadScene(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, "EPSG:32632", scene.Geo.CRS)
	assert.Equal(t, 4, scene.Geo.Width)
	assert.Equal(t, 10.0, scene.Geo.Resolution())
	assert.Equal(t, rec.OrbitNumber, scene.OrbitNumber)

	red, ok := scene.Band("B4")
	require.True(t, ok)
	assert.True(t, math.IsNaN(float64(red.Data[0])))
	assert.Equal(t, float32(5), red.Data[5])

	// the 20 m band is resampled onto the 10 m grid
	sclBand, ok := scene.Band("SCL")
	require.True(t, ok)
	require.Len(t, sclBand.Data, 16)
	assert.Equal(t, float32(4), sclBand.Data[0])
	assert.Equal(t, float32(4), sclBand.Data[5])
	assert.Equal(t, float32(7), sclBand.Data[15])

	assert.Equal(t, int64(2*16*4), loader.BytesRead())
}

func TestLoadScenesKeepsOrder(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	var recs []*SceneRecord
	for _, id := range []string{"20210601T103031_a", "20210605T103031_b", "20210610T103031_c"} {
		path := filepath.Join(dir, id+".tif")
		writeTestTiff(t, path, 2, 10, -1, func(i int) float32 { return 1 })
		rec := testRecord(id, "2021-06-01")
		rec.Bands = []BandFile{{Name: "B4", Path: path}}
		recs = append(recs, rec)
	}

	scenes, err := NewLoader(3).LoadScenes(context.Background(), recs, false)
	require.NoError(t, err)
	require.Len(t, scenes, 3)
	for i := range recs {
		assert.Equal(t, recs[i].ID, scenes[i].ID)
	}
}

func TestLoadSceneErrors(t *testing.T) {
	loader := NewLoader(1)
	_, err := loader.LoadScene(context.Background(), testRecord("x", "2021-06-01"))
	assert.Error(t, err)

	rec := testRecord("x", "2021-06-01")
	rec.Bands = []BandFile{{Name: "B4", Path: "/nonexistent/B04.tif"}}
	_, err = loader.LoadScene(context.Background(), rec)
	assert.Error(t, err)
}

func TestLoadScenesOntoGrid(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	west := filepath.Join(dir, "T32ULU_B04.tif")
	east := filepath.Join(dir, "T32UMU_B04.tif")
	writeTestTiffAt(t, west, 600000, 4, 10, 0, func(i int) float32 { return float32(1 + i) })
	writeTestTiffAt(t, east, 600020, 4, 10, 0, func(i int) float32 { return float32(100 + i) })

	recs := []*SceneRecord{
		testRecord("20210615T103031_N0300_R108_T32ULU", "2021-06-15"),
		testRecord("20210615T103031_N0300_R108_T32UMU", "2021-06-15"),
	}
	recs[0].Bands = []BandFile{{Name: "B4", Path: west}}
	recs[1].Bands = []BandFile{{Name: "B4", Path: east}}

	grid := &utils.GeoReference{
		CRS:          "EPSG:32632",
		GeoTransform: [6]float64{600000, 10, 0, 5500000, 0, -10},
		Width:        6,
		Height:       4,
	}
	loader := NewLoader(2)
	loader.Grid = grid
	scenes, err := loader.LoadScenes(context.Background(), recs, false)
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	for _, s := range scenes {
		assert.True(t, s.Geo.SameGrid(*grid), s.ID)
	}

	w, ok := scenes[0].Band("B4")
	require.True(t, ok)
	require.Len(t, w.Data, 24)
	assert.Equal(t, float32(1), w.Data[0])
	assert.Equal(t, float32(4), w.Data[3])
	assert.True(t, math.IsNaN(float64(w.Data[4])))
	assert.True(t, math.IsNaN(float64(w.Data[5])))

	e, ok := scenes[1].Band("B4")
	require.True(t, ok)
	assert.True(t, math.IsNaN(float64(e.Data[0])))
	assert.True(t, math.IsNaN(float64(e.Data[1])))
	assert.Equal(t, float32(100), e.Data[2])
	assert.Equal(t, float32(103), e.Data[5])
	assert.Equal(t, int64(2*24*4), loader.BytesRead())
}

func TestTargetGrid(t *testing.T) {
	recs := []*SceneRecord{testRecord("20210615T103031_a", "2021-06-15")}
	recs[0].Footprint = orb.Bound{Min: orb.Point{8.99, 49.99}, Max: orb.Point{9.01, 50.01}}

	geo, err := TargetGrid(&Query{}, recs, "EPSG:32632", 10)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32632", geo.CRS)
	assert.Equal(t, 10.0, geo.Resolution())
	assert.Equal(t, 0.0, math.Mod(geo.GeoTransform[0], 10))
	center, err := utils.TransformPoint(orb.Point{9, 50}, "EPSG:4326", "EPSG:32632")
	require.NoError(t, err)
	assert.True(t, geo.Bound().Contains(center))

	q := &Query{Boundary: orb.Bound{Min: orb.Point{8.999, 49.999}, Max: orb.Point{9.001, 50.001}}}
	small, err := TargetGrid(q, recs, "EPSG:32632", 10)
	require.NoError(t, err)
	assert.Less(t, small.Size(), geo.Size())

	recs[0].Footprint = orb.Bound{}
	_, err = TargetGrid(&Query{}, recs, "EPSG:32632", 10)
	assert.Error(t, err)
	_, err = TargetGrid(&Query{}, nil, "EPSG:32632", 10)
	assert.Error(t, err)
}
