package processor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexRaster(width, height int) *utils.Float32Raster {
	return filledRaster("TCB", width, height, func(i int) float32 { return float32(i) })
}

func zonalReq(r *utils.Float32Raster, params ZonalParams) *ZonalRequest {
	return &ZonalRequest{
		CompositeID: "20210615T103031_x",
		Band:        r.NameSpace,
		Raster:      r,
		Geo:         testGeoRef(r.Width, r.Height),
		Params:      params,
	}
}

func TestComputeZonalStatsMatchesTwoPass(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	r := filledRaster("TCG", 20, 15, func(i int) float32 {
		if i%7 == 0 {
			return float32(math.NaN())
		}
		return rnd.Float32()*2 - 0.5
	})

	stats, err := ComputeZonalStats(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10}))
	require.NoError(t, err)

	var sum float64
	var n int64
	for _, v := range r.Data {
		if !utils.IsNoData(v) {
			sum += float64(v)
			n++
		}
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range r.Data {
		if !utils.IsNoData(v) {
			ss += (float64(v) - mean) * (float64(v) - mean)
		}
	}

	assert.Equal(t, n, stats.Count)
	assert.InDelta(t, mean, stats.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(ss/float64(n)), stats.StdDev, 1e-9)
}

func TestComputeZonalStatsStride(t *testing.T) {
	r := indexRaster(4, 4)
	stats, err := ComputeZonalStats(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 20}))
	require.NoError(t, err)
	// pixels (1,1) (3,1) (1,3) (3,3)
	assert.Equal(t, int64(4), stats.Count)
	assert.InDelta(t, 10, stats.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(17), stats.StdDev, 1e-9)
}

func TestComputeZonalStatsRegion(t *testing.T) {
	r := indexRaster(4, 4)
	req := zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10})
	// left half of the grid: columns 0 and 1
	req.Region = orb.Polygon{{{600000, 5500000}, {600020, 5500000}, {600020, 5499960}, {600000, 5499960}, {600000, 5500000}}}

	stats, err := ComputeZonalStats(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.Count)
	// 0 1 4 5 8 9 12 13
	assert.InDelta(t, 6.5, stats.Mean, 1e-9)

	req.Region = orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	stats, err = ComputeZonalStats(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)
	assert.True(t, math.IsNaN(stats.ZScore(1)))
}

func TestComputeZonalStatsErrors(t *testing.T) {
	r := indexRaster(4, 4)
	tests := []struct {
		params ZonalParams
		want   error
	}{
		{ZonalParams{Scale: 10}, ErrZonalParams},
		{ZonalParams{CRS: testCRS}, ErrZonalParams},
		{ZonalParams{CRS: testCRS, Scale: -10}, ErrZonalParams},
		{ZonalParams{CRS: "EPSG:4326", Scale: 10}, ErrCRSMismatch},
		{ZonalParams{CRS: testCRS, Scale: 15}, ErrUnsupportedScale},
		{ZonalParams{CRS: testCRS, Scale: 5}, ErrUnsupportedScale},
		{ZonalParams{CRS: testCRS, Scale: 10, MaxPixels: 10}, ErrTooManyPixels},
	}
	for _, tc := range tests {
		_, err := ComputeZonalStats(context.Background(), zonalReq(r, tc.params))
		assert.True(t, errors.Is(err, tc.want), "%+v: %v", tc.params, err)
		assert.True(t, IsPermanent(err))
	}

	_, err := ComputeZonalStats(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 20, MaxPixels: 4}))
	assert.NoError(t, err)
}

func TestZScore(t *testing.T) {
	s := ZonalStats{Mean: 2, StdDev: 4, Count: 3}
	assert.Equal(t, 0.5, s.ZScore(4))
	assert.True(t, math.IsNaN(ZonalStats{Mean: 2, StdDev: 0, Count: 3}.ZScore(4)))
	assert.True(t, math.IsNaN(ZonalStats{}.ZScore(4)))
}

func TestRegionReducerWrapsErrors(t *testing.T) {
	rr := &RegionReducer{Limiter: NewConcLimiter(1)}
	r := indexRaster(4, 4)
	_, err := rr.Reduce(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10, MaxPixels: 3}))
	var ze *ZonalError
	require.True(t, errors.As(err, &ze))
	assert.Equal(t, "20210615T103031_x", ze.CompositeID)
	assert.Equal(t, "TCB", ze.Band)
	assert.True(t, errors.Is(err, ErrTooManyPixels))
	assert.Contains(t, err.Error(), "TCB")
}

type flakyReducer struct {
	failures int32
	calls    int32
	err      error
}

func (f *flakyReducer) Reduce(ctx context.Context, req *ZonalRequest) (ZonalStats, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return ZonalStats{}, f.err
	}
	return ZonalStats{Mean: 1, StdDev: 2, Count: 3}, nil
}

func TestRetryingReducer(t *testing.T) {
	r := indexRaster(2, 2)
	flaky := &flakyReducer{failures: 2, err: errors.New("resource exhausted")}
	rr := &RetryingReducer{Next: flaky, MaxRetries: 3, InitialInterval: time.Millisecond}

	stats, err := rr.Reduce(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls)
	assert.Equal(t, int64(3), stats.Count)

	flaky = &flakyReducer{failures: 10, err: errors.New("resource exhausted")}
	rr = &RetryingReducer{Next: flaky, MaxRetries: 2, InitialInterval: time.Millisecond}
	_, err = rr.Reduce(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10}))
	require.Error(t, err)
	assert.Equal(t, int32(3), flaky.calls)
	var ze *ZonalError
	assert.True(t, errors.As(err, &ze))
}

func TestRetryingReducerPermanent(t *testing.T) {
	r := indexRaster(2, 2)
	flaky := &flakyReducer{failures: 10, err: ErrTooManyPixels}
	rr := &RetryingReducer{Next: flaky, MaxRetries: 5, InitialInterval: time.Millisecond}

	_, err := rr.Reduce(context.Background(), zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10}))
	require.Error(t, err)
	assert.Equal(t, int32(1), flaky.calls)
	assert.True(t, errors.Is(err, ErrTooManyPixels))
}

func TestCacheKey(t *testing.T) {
	r := indexRaster(2, 2)
	a := zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10})
	b := zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10})
	assert.Equal(t, CacheKey(a), CacheKey(b))
	assert.Len(t, CacheKey(a), 32)

	b.Band = "TCW"
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
	b = zonalReq(r, ZonalParams{CRS: testCRS, Scale: 20})
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
	b = zonalReq(r, ZonalParams{CRS: testCRS, Scale: 10})
	b.Region = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}

func TestCacheKeyRasterValues(t *testing.T) {
	ra := indexRaster(4, 4)
	rb := filledRaster("TCB", 4, 4, func(i int) float32 { return 100 * float32(i) })
	a := zonalReq(ra, ZonalParams{CRS: testCRS, Scale: 10})
	b := zonalReq(rb, ZonalParams{CRS: testCRS, Scale: 10})
	require.Equal(t, a.CompositeID, b.CompositeID)
	assert.NotEqual(t, CacheKey(a), CacheKey(b))

	statsA, err := ComputeZonalStats(context.Background(), a)
	require.NoError(t, err)
	statsB, err := ComputeZonalStats(context.Background(), b)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, statsA.Mean, 1e-9)
	assert.InDelta(t, 750, statsB.Mean, 1e-6)

	copy(rb.Data, ra.Data)
	b = zonalReq(rb, ZonalParams{CRS: testCRS, Scale: 10})
	assert.Equal(t, CacheKey(a), CacheKey(b))
	rb.Data[15] = float32(math.NaN())
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}

func TestCachingReducerWithoutClient(t *testing.T) {
	flaky := &flakyReducer{}
	cr := &CachingReducer{Next: flaky}
	stats, err := cr.Reduce(context.Background(), zonalReq(indexRaster(2, 2), ZonalParams{CRS: testCRS, Scale: 10}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.Mean)
	assert.Equal(t, int32(1), flaky.calls)
}

func TestCachingReducerMemcache(t *testing.T) {
	addr := utils.EnvOrDefault("GSKY_MEMCACHE", "")
	if len(addr) == 0 {
		t.Skip("GSKY_MEMCACHE is not set. Skipping tests that require memcache")
	}

	flaky := &flakyReducer{}
	cr := NewCachingReducer(flaky, addr)
	req := zonalReq(indexRaster(2, 2), ZonalParams{CRS: testCRS, Scale: 10})
	req.CompositeID = time.Now().Format(time.RFC3339Nano)

	first, err := cr.Reduce(context.Background(), req)
	require.NoError(t, err)
	second, err := cr.Reduce(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), flaky.calls)
}
