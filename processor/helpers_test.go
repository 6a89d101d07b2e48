package processor

import (
	"time"

	"github.com/nci/gsky-s2/utils"
)

var testReflectanceBands = []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8", "B8A", "B9", "B11", "B12"}

const testCRS = "EPSG:32632"

func testGeoRef(width, height int) utils.GeoReference {
	return utils.GeoReference{
		CRS:          testCRS,
		GeoTransform: [6]float64{600000, 10, 0, 5500000, 0, -10},
		Width:        width,
		Height:       height,
	}
}

func sceneTime(id string) time.Time {
	t, err := time.Parse("20060102T150405", id[:15])
	if err != nil {
		return time.Time{}
	}
	return t
}

func filledRaster(ns string, width, height int, f func(i int) float32) *utils.Float32Raster {
	r := utils.NewFloat32Raster(ns, width, height)
	for i := range r.Data {
		r.Data[i] = f(i)
	}
	return r
}

// newTestScene builds a clear scene: QA60 = 0, MSK_CLDPRB = 0 and SCL = 4
// (vegetation). refl returns raw digital numbers.
func newTestScene(id string, width, height int, refl func(band string, i int) float32) *Scene {
	s := &Scene{
		ID:        id,
		TimeStart: sceneTime(id),
		TimeEnd:   sceneTime(id).Add(5 * time.Second),
		Geo:       testGeoRef(width, height),
	}
	for _, b := range testReflectanceBands {
		b := b
		s.Bands = append(s.Bands, filledRaster(b, width, height, func(i int) float32 { return refl(b, i) }))
	}
	s.Bands = append(s.Bands,
		filledRaster(DefaultQABand, width, height, func(int) float32 { return 0 }),
		filledRaster(DefaultSCLBand, width, height, func(int) float32 { return 4 }),
		filledRaster(DefaultCloudProbBand, width, height, func(int) float32 { return 0 }),
	)
	return s
}

func setAux(s *Scene, band string, i int, v float32) {
	r, _ := s.Band(band)
	r.Data[i] = v
}

// newTestMasked builds a MaskedScene with the same value f(i) in every
// reflectance band.
func newTestMasked(id string, width, height int, f func(band string, i int) float32) *MaskedScene {
	ms := &MaskedScene{
		ID:        id,
		TimeStart: sceneTime(id),
		TimeEnd:   sceneTime(id).Add(5 * time.Second),
		Geo:       testGeoRef(width, height),
	}
	for _, b := range testReflectanceBands {
		b := b
		ms.Bands = append(ms.Bands, filledRaster(b, width, height, func(i int) float32 { return f(b, i) }))
	}
	return ms
}

func newTestComposite(id string, width, height int, f func(band string, i int) float32) *Composite {
	ms := newTestMasked(id, width, height, f)
	return &Composite{
		ID:         ms.ID,
		TimeStart:  ms.TimeStart,
		TimeEnd:    ms.TimeEnd,
		Geo:        ms.Geo,
		Bands:      ms.Bands,
		SceneCount: 1,
		Date:       id[:8],
	}
}
