package processor

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nci/gomemcache/memcache"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

var (
	ErrZonalParams      = errors.New("invalid zonal statistics parameters")
	ErrCRSMismatch      = errors.New("raster CRS differs from the zonal CRS")
	ErrUnsupportedScale = errors.New("zonal scale is not an integer multiple of the raster resolution")
	ErrTooManyPixels    = errors.New("region exceeds the maximum number of pixels")
)

// ZonalParams fixes the grid zonal statistics are sampled on. CRS and
// Scale are required; MaxPixels <= 0 means no limit.
type ZonalParams struct {
	CRS       string
	Scale     float64
	MaxPixels int64
}

func (p ZonalParams) Validate() error {
	if len(p.CRS) == 0 {
		return fmt.Errorf("%w: CRS is required", ErrZonalParams)
	}
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("%w: scale must be positive, got %v", ErrZonalParams, p.Scale)
	}
	return nil
}

func (p ZonalParams) String() string {
	return fmt.Sprintf("%s@%g/%d", p.CRS, p.Scale, p.MaxPixels)
}

// ZonalStats is the population mean and standard deviation of the valid
// pixels sampled inside a region.
type ZonalStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Count  int64   `json:"count"`
}

// ZScore standardises v, returning NaN when the statistics are degenerate.
func (s ZonalStats) ZScore(v float64) float64 {
	if s.Count == 0 || !(s.StdDev > 0) || math.IsInf(s.StdDev, 0) {
		return math.NaN()
	}
	return (v - s.Mean) / s.StdDev
}

type ZonalRequest struct {
	CompositeID string
	Band        string
	Raster      *utils.Float32Raster
	Geo         utils.GeoReference
	Region      orb.Geometry
	Params      ZonalParams
}

// ZonalError reports a failed reduction with the composite and band it
// was computed for.
type ZonalError struct {
	CompositeID string
	Band        string
	Err         error
}

func (e *ZonalError) Error() string {
	return fmt.Sprintf("zonal statistics of %s for composite %s: %v", e.Band, e.CompositeID, e.Err)
}

func (e *ZonalError) Unwrap() error {
	return e.Err
}

func zonalError(req *ZonalRequest, err error) error {
	var ze *ZonalError
	if errors.As(err, &ze) {
		return err
	}
	return &ZonalError{CompositeID: req.CompositeID, Band: req.Band, Err: err}
}

type ZonalReducer interface {
	Reduce(ctx context.Context, req *ZonalRequest) (ZonalStats, error)
}

// RegionReducer scans the region in process. Limiter, when set, bounds
// the number of concurrent scans.
type RegionReducer struct {
	Limiter *ConcLimiter
}

func (rr *RegionReducer) Reduce(ctx context.Context, req *ZonalRequest) (ZonalStats, error) {
	if rr.Limiter != nil {
		if err := rr.Limiter.Acquire(ctx); err != nil {
			return ZonalStats{}, zonalError(req, err)
		}
		defer rr.Limiter.Release()
	}
	stats, err := ComputeZonalStats(ctx, req)
	if err != nil {
		return stats, zonalError(req, err)
	}
	return stats, nil
}

// samplingStride returns the number of raster pixels per zonal sample.
func samplingStride(geo utils.GeoReference, scale float64) (int, error) {
	res := geo.Resolution()
	if !(res > 0) {
		return 0, fmt.Errorf("%w: raster has no resolution", ErrUnsupportedScale)
	}
	ratio := scale / res
	stride := math.Round(ratio)
	if stride < 1 || math.Abs(ratio-stride) > 1e-6*ratio {
		return 0, fmt.Errorf("%w: scale %g, resolution %g", ErrUnsupportedScale, scale, res)
	}
	return int(stride), nil
}

// ComputeZonalStats samples the raster every Scale units and accumulates
// the mean and population standard deviation of the valid samples whose
// pixel centres lie inside the region, in one pass (Welford). A nil
// region covers the whole raster.
func ComputeZonalStats(ctx context.Context, req *ZonalRequest) (ZonalStats, error) {
	var stats ZonalStats
	if err := req.Params.Validate(); err != nil {
		return stats, err
	}
	if req.Raster == nil {
		return stats, fmt.Errorf("%w: no raster", ErrZonalParams)
	}
	geo := req.Geo
	if geo.CRS != req.Params.CRS {
		return stats, fmt.Errorf("%w: raster %s, zonal %s", ErrCRSMismatch, geo.CRS, req.Params.CRS)
	}
	if err := utils.ValidateRasterSlice([]*utils.Float32Raster{req.Raster}, geo); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrZonalParams, err)
	}
	stride, err := samplingStride(geo, req.Params.Scale)
	if err != nil {
		return stats, err
	}

	var bound orb.Bound
	if req.Region != nil {
		bound = req.Region.Bound()
	}

	// sample the centre pixel of every stride x stride block
	offset := stride / 2
	var sampled int64
	var mean, m2 float64
	for y := offset; y < geo.Height; y += stride {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		for x := offset; x < geo.Width; x += stride {
			if req.Region != nil {
				p := geo.PixelCenter(x, y)
				if !bound.Contains(p) || !utils.RegionContains(req.Region, p) {
					continue
				}
			}
			sampled++
			if req.Params.MaxPixels > 0 && sampled > req.Params.MaxPixels {
				return ZonalStats{}, fmt.Errorf("%w: more than %d samples at scale %g", ErrTooManyPixels, req.Params.MaxPixels, req.Params.Scale)
			}

			v := req.Raster.Data[y*geo.Width+x]
			if utils.IsNoData(v) {
				continue
			}
			stats.Count++
			delta := float64(v) - mean
			mean += delta / float64(stats.Count)
			m2 += delta * (float64(v) - mean)
		}
	}

	if stats.Count == 0 {
		stats.Mean = math.NaN()
		stats.StdDev = math.NaN()
		return stats, nil
	}
	stats.Mean = mean
	stats.StdDev = math.Sqrt(m2 / float64(stats.Count))
	return stats, nil
}

// IsPermanent reports whether retrying a reduction that failed with err
// cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrZonalParams) ||
		errors.Is(err, ErrCRSMismatch) ||
		errors.Is(err, ErrUnsupportedScale) ||
		errors.Is(err, ErrTooManyPixels) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryingReducer retries transient failures of Next with exponential
// backoff.
type RetryingReducer struct {
	Next            ZonalReducer
	MaxRetries      int
	InitialInterval time.Duration
}

func (r *RetryingReducer) Reduce(ctx context.Context, req *ZonalRequest) (ZonalStats, error) {
	var stats ZonalStats
	attempt := 0
	op := func() error {
		attempt++
		var err error
		stats, err = r.Next.Reduce(ctx, req)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("zonal statistics of %s for %s failed (attempt %d): %v", req.Band, req.CompositeID, attempt, err)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		eb.InitialInterval = r.InitialInterval
	}
	var b backoff.BackOff = eb
	if r.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(eb, uint64(r.MaxRetries))
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return ZonalStats{}, zonalError(req, err)
	}
	return stats, nil
}

// CachingReducer memoises reductions in memcache. Cache failures fall
// back to Next.
type CachingReducer struct {
	Next       ZonalReducer
	Client     *memcache.Client
	Expiration int32
}

func NewCachingReducer(next ZonalReducer, memcacheAddr string) *CachingReducer {
	return &CachingReducer{
		Next:   next,
		Client: memcache.New(memcacheAddr),
	}
}

// CacheKey identifies a reduction by composite, band, grid, region and
// the raster values themselves.
func CacheKey(req *ZonalRequest) string {
	region := ""
	if req.Region != nil {
		region = utils.GeometryWKT(req.Region)
	}
	h := md5.New()
	fmt.Fprintf(h, "zonal|%s|%s|%s|%s|%v|%dx%d|%s|", req.CompositeID, req.Band, req.Params, req.Geo.CRS, req.Geo.GeoTransform, req.Geo.Width, req.Geo.Height, region)
	if req.Raster != nil {
		buf := make([]byte, 4)
		for _, v := range req.Raster.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			h.Write(buf)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (cr *CachingReducer) Reduce(ctx context.Context, req *ZonalRequest) (ZonalStats, error) {
	key := CacheKey(req)
	if cr.Client != nil {
		if cached, err := cr.Client.Get(key); err == nil {
			var stats ZonalStats
			if err := json.Unmarshal(cached.Value, &stats); err == nil {
				log.Debugf("zonal statistics of %s for %s from cache", req.Band, req.CompositeID)
				return stats, nil
			}
		}
	}

	stats, err := cr.Next.Reduce(ctx, req)
	if err != nil {
		return stats, err
	}

	if cr.Client != nil && stats.Count > 0 {
		payload, err := json.Marshal(stats)
		if err == nil {
			// memcache may not necessarily retain this anyway
			if err := cr.Client.Set(&memcache.Item{Key: key, Value: payload, Expiration: cr.Expiration}); err != nil {
				log.Debugf("zonal cache set error: %v", err)
			}
		}
	}
	return stats, nil
}
