package processor

import (
	"context"
	"fmt"
	"math"

	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// IndexScale is applied to the ratio indices and the Tasseled Cap
// components before they are stored.
const IndexScale = 10000

// DefaultIndexExpressions are evaluated on reflectance in [0, 1]. The
// Tasseled Cap coefficients are the Sentinel-2 set of Shi & Xu (2019).
func DefaultIndexExpressions() []utils.IndexExpression {
	return []utils.IndexExpression{
		{Name: BandNDVI, Expr: "((B8 - B4) / (B8 + B4)) * 10000"},
		{Name: BandNDRE2, Expr: "((B6 - B4) / (B6 + B4)) * 10000"},
		{Name: BandNBR, Expr: "((B8 - B12) / (B8 + B12)) * 10000"},
		{Name: BandTCB, Expr: "0.2569*B2 + 0.2934*B3 + 0.3020*B4 + 0.3099*B5 + 0.3740*B6 + 0.4180*B7 + 0.3580*B8 + 0.3834*B8A + 0.0896*B11 + 0.0780*B12"},
		{Name: BandTCG, Expr: "-0.2818*B2 - 0.3020*B3 - 0.4283*B4 - 0.2959*B5 + 0.1602*B6 + 0.3127*B7 + 0.3138*B8 + 0.4261*B8A - 0.1341*B11 - 0.2538*B12"},
		{Name: BandTCW, Expr: "0.1763*B2 + 0.1615*B3 + 0.0486*B4 + 0.0170*B5 + 0.0223*B6 + 0.0219*B7 - 0.0755*B8 - 0.0910*B8A - 0.7701*B11 - 0.5293*B12"},
	}
}

// tasseledCap lists the components normalised against their zonal
// statistics.
var tasseledCap = []string{BandTCG, BandTCW, BandTCB}

// IndexEngine derives an IndexSet from every Composite. Expressions
// named NDVI, NDRE2, NBR, TCB, TCG and TCW are always present; any
// further expression is appended after DI.
type IndexEngine struct {
	Exprs   *utils.BandExpressions
	Reducer ZonalReducer
	extras  []string
}

// NewIndexEngine merges exprs into the defaults, replacing expressions of
// the same name.
func NewIndexEngine(exprs []utils.IndexExpression, reducer ZonalReducer) (*IndexEngine, error) {
	merged := DefaultIndexExpressions()
	var extras []string
	for _, e := range exprs {
		replaced := false
		for i := range merged {
			if merged[i].Name == e.Name {
				merged[i].Expr = e.Expr
				replaced = true
				break
			}
		}
		if !replaced {
			if e.Name == BandDI {
				return nil, fmt.Errorf("%s is derived from the Tasseled Cap z-scores and cannot be overridden", BandDI)
			}
			merged = append(merged, e)
			extras = append(extras, e.Name)
		}
	}

	names := make([]string, len(merged))
	texts := make([]string, len(merged))
	for i, e := range merged {
		names[i] = e.Name
		texts[i] = e.Expr
	}
	bandExpr, err := utils.NewBandExpressions(names, texts)
	if err != nil {
		return nil, err
	}

	if reducer == nil {
		reducer = &RegionReducer{}
	}
	return &IndexEngine{Exprs: bandExpr, Reducer: reducer, extras: extras}, nil
}

func (ie *IndexEngine) eval(name string, bands []*utils.Float32Raster) (*utils.Float32Raster, error) {
	return ie.Exprs.EvalRaster(ie.Exprs.Index(name), bands)
}

// DeriveIndices computes the ratio indices, the scaled Tasseled Cap
// components and the Disturbance Index of c. The Tasseled Cap components
// are standardised with their own zonal statistics over region before
// DI = (TCBz - (TCGz + TCWz)) * 10000 is formed.
func (ie *IndexEngine) DeriveIndices(ctx context.Context, c *Composite, region orb.Geometry, params ZonalParams) (*IndexSet, error) {
	if err := params.Validate(); err != nil {
		return nil, &ZonalError{CompositeID: c.ID, Band: BandDI, Err: err}
	}

	raw := make(map[string]*utils.Float32Raster)
	for _, name := range ie.Exprs.ExprNames {
		r, err := ie.eval(name, c.Bands)
		if err != nil {
			return nil, fmt.Errorf("composite %s: %w", c.ID, err)
		}
		raw[name] = r
	}

	stats := make([]ZonalStats, len(tasseledCap))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range tasseledCap {
		i, name := i, name
		g.Go(func() error {
			s, err := ie.Reducer.Reduce(gctx, &ZonalRequest{
				CompositeID: c.ID,
				Band:        name,
				Raster:      raw[name],
				Geo:         c.Geo,
				Region:      region,
				Params:      params,
			})
			if err != nil {
				return zonalError(&ZonalRequest{CompositeID: c.ID, Band: name}, err)
			}
			stats[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	z := make(map[string]*utils.Float32Raster, len(tasseledCap))
	for i, name := range tasseledCap {
		z[name] = zScoreRaster(raw[name], stats[i])
		log.Debugf("composite %s %s zonal mean %g std %g over %d pixels", c.ID, name, stats[i].Mean, stats[i].StdDev, stats[i].Count)
	}

	di := disturbanceIndex(z[BandTCB], z[BandTCG], z[BandTCW])

	set := &IndexSet{
		CompositeID: c.ID,
		TimeStart:   c.TimeStart,
		TimeEnd:     c.TimeEnd,
		Date:        c.Date,
		Geo:         c.Geo,
	}
	for _, name := range IndexBands {
		switch name {
		case BandDI:
			set.Bands = append(set.Bands, di)
		case BandTCB, BandTCG, BandTCW:
			set.Bands = append(set.Bands, scaleRaster(raw[name], IndexScale))
		default:
			set.Bands = append(set.Bands, raw[name])
		}
	}
	for _, name := range ie.extras {
		set.Bands = append(set.Bands, raw[name])
	}
	return set, nil
}

func zScoreRaster(r *utils.Float32Raster, stats ZonalStats) *utils.Float32Raster {
	out := utils.NewFloat32Raster(r.NameSpace, r.Width, r.Height)
	for i, v := range r.Data {
		out.Data[i] = finite(stats.ZScore(float64(v)))
	}
	return out
}

func disturbanceIndex(tcb, tcg, tcw *utils.Float32Raster) *utils.Float32Raster {
	out := utils.NewFloat32Raster(BandDI, tcb.Width, tcb.Height)
	for i := range out.Data {
		v := (float64(tcb.Data[i]) - (float64(tcg.Data[i]) + float64(tcw.Data[i]))) * IndexScale
		out.Data[i] = finite(v)
	}
	return out
}

func scaleRaster(r *utils.Float32Raster, scale float64) *utils.Float32Raster {
	out := utils.NewFloat32Raster(r.NameSpace, r.Width, r.Height)
	for i, v := range r.Data {
		out.Data[i] = finite(float64(v) * scale)
	}
	return out
}

func finite(v float64) float32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return utils.NoDataValue()
	}
	f := float32(v)
	if math.IsInf(float64(f), 0) {
		return utils.NoDataValue()
	}
	return f
}

// IndexResult carries the outcome of one composite; Seq is the composite
// position in date order.
type IndexResult struct {
	Seq         int
	CompositeID string
	Set         *IndexSet
	Err         error
}

// Indexer runs DeriveIndices for every composite read from In, at most
// Limiter's capacity at a time. Failures are delivered as results so
// that one composite never hides the others.
type Indexer struct {
	Context context.Context
	In      chan *Composite
	Out     chan *IndexResult
	Engine  *IndexEngine
	Region  orb.Geometry
	Params  ZonalParams
	Limiter *ConcLimiter
}

func NewIndexer(ctx context.Context, engine *IndexEngine, region orb.Geometry, params ZonalParams, concurrency int) *Indexer {
	return &Indexer{
		Context: ctx,
		In:      make(chan *Composite, 100),
		Out:     make(chan *IndexResult, 100),
		Engine:  engine,
		Region:  region,
		Params:  params,
		Limiter: NewConcLimiter(concurrency),
	}
}

func (ix *Indexer) Run(verbose bool) {
	if verbose {
		defer log.Debug("Indexer done")
	}
	defer close(ix.Out)

	seq := 0
	for c := range ix.In {
		c := c
		compSeq := seq
		seq++

		if err := ix.Limiter.Acquire(ix.Context); err != nil {
			ix.send(&IndexResult{Seq: compSeq, CompositeID: c.ID, Err: err})
			continue
		}
		go func() {
			defer ix.Limiter.Release()
			set, err := ix.Engine.DeriveIndices(ix.Context, c, ix.Region, ix.Params)
			if err != nil {
				log.Errorf("composite %s: %v", c.ID, err)
			} else if verbose {
				log.Debugf("indices derived for composite %s (%s)", c.ID, c.Date)
			}
			ix.send(&IndexResult{Seq: compSeq, CompositeID: c.ID, Set: set, Err: err})
		}()
	}
	ix.Limiter.Wait()
}

func (ix *Indexer) send(res *IndexResult) {
	ix.Out <- res
}
