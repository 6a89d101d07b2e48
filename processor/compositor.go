package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nci/gsky-s2/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEmptyInterval = errors.New("date interval contains no scenes")
	ErrGridMismatch  = errors.New("scenes are not on the same grid")
	ErrNoScenes      = errors.New("no scenes to composite")
)

// MetadataPolicy selects the time metadata a Composite carries.
type MetadataPolicy int

const (
	// MetadataLastScene copies TimeStart, TimeEnd and ID from the last
	// scene of the interval in input order.
	MetadataLastScene MetadataPolicy = iota
	// MetadataObservationWindow spans the earliest TimeStart to the
	// latest TimeEnd of the interval. ID is still the last scene's.
	MetadataObservationWindow
)

func ParseMetadataPolicy(s string) (MetadataPolicy, error) {
	switch s {
	case "", "last_scene":
		return MetadataLastScene, nil
	case "observation_window":
		return MetadataObservationWindow, nil
	default:
		return MetadataLastScene, fmt.Errorf("unknown metadata policy: %s", s)
	}
}

func (p MetadataPolicy) String() string {
	switch p {
	case MetadataObservationWindow:
		return "observation_window"
	default:
		return "last_scene"
	}
}

type CompositeOptions struct {
	IncludeLastDate bool
	Policy          MetadataPolicy
	Concurrency     int
}

// CompositeScenes buckets scenes into the intervals between their
// distinct acquisition dates and reduces every bucket to its per-pixel
// median. Composites are returned in ascending date order.
func CompositeScenes(ctx context.Context, scenes []*MaskedScene, opts CompositeOptions) ([]*Composite, error) {
	keys := make([]DateKey, len(scenes))
	for i, s := range scenes {
		k, err := ExtractDate(s.ID)
		if err != nil {
			return nil, &SceneError{SceneID: s.ID, Err: err}
		}
		keys[i] = k
	}

	intervals := BuildIntervals(DistinctDates(keys), opts.IncludeLastDate)
	buckets := SplitByInterval(keys, intervals)
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyInterval, intervals[i])
		}
	}

	conc := opts.Concurrency
	if conc <= 0 {
		conc = utils.DefaultConcurrency()
	}

	composites := make([]*Composite, len(intervals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i := range intervals {
		i := i
		g.Go(func() error {
			members := make([]*MaskedScene, len(buckets[i]))
			for j, ix := range buckets[i] {
				members[j] = scenes[ix]
			}

			c, err := medianComposite(gctx, members, opts.Policy)
			if err != nil {
				return fmt.Errorf("interval %s: %w", intervals[i], err)
			}
			c.Interval = intervals[i]
			composites[i] = c
			log.Debugf("composite %s from %d scenes for %s", c.ID, c.SceneCount, intervals[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return composites, nil
}

// MedianOfAll reduces every scene to a single median base map spanning
// the observation window of the whole collection.
func MedianOfAll(ctx context.Context, scenes []*MaskedScene) (*Composite, error) {
	if len(scenes) == 0 {
		return nil, ErrNoScenes
	}
	keys := make([]DateKey, len(scenes))
	for i, s := range scenes {
		k, err := ExtractDate(s.ID)
		if err != nil {
			return nil, &SceneError{SceneID: s.ID, Err: err}
		}
		keys[i] = k
	}
	dates := DistinctDates(keys)
	first, last := dates[0], dates[len(dates)-1]

	c, err := medianComposite(ctx, scenes, MetadataObservationWindow)
	if err != nil {
		return nil, err
	}
	c.ID = fmt.Sprintf("%s_%s_median", first.Compact(), last.Compact())
	c.Date = first.Compact()
	c.Interval = DateInterval{Start: first, End: last.AddDays(1)}
	return c, nil
}

func medianComposite(ctx context.Context, members []*MaskedScene, policy MetadataPolicy) (*Composite, error) {
	if len(members) == 0 {
		return nil, ErrEmptyInterval
	}
	geo, err := mosaicGrid(members)
	if err != nil {
		return nil, err
	}

	rep := members[len(members)-1]
	c := &Composite{
		ID:         rep.ID,
		TimeStart:  rep.TimeStart,
		TimeEnd:    rep.TimeEnd,
		Geo:        geo,
		SceneCount: len(members),
	}
	if policy == MetadataObservationWindow {
		for _, m := range members {
			if m.TimeStart.Before(c.TimeStart) {
				c.TimeStart = m.TimeStart
			}
			if m.TimeEnd.After(c.TimeEnd) {
				c.TimeEnd = m.TimeEnd
			}
		}
	}

	date, err := ExtractDate(rep.ID)
	if err != nil {
		return nil, &SceneError{SceneID: rep.ID, Err: err}
	}
	c.Date = date.Compact()

	stack := make([]*utils.Float32Raster, len(members))
	for _, ns := range bandUnion(members) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stack = stack[:0]
		for _, m := range members {
			band, ok := m.Band(ns)
			if !ok {
				continue
			}
			band, err = utils.PasteRaster(band, m.Geo, geo)
			if err != nil {
				return nil, &SceneError{SceneID: m.ID, Err: fmt.Errorf("band %s: %w", ns, err)}
			}
			stack = append(stack, band)
		}
		if err := utils.ValidateRasterSlice(stack, geo); err != nil {
			return nil, fmt.Errorf("band %s: %w", ns, err)
		}
		c.Bands = append(c.Bands, MedianRaster(ns, stack, geo.Width, geo.Height))
	}
	return c, nil
}

// mosaicGrid returns the grid covering every member. Same-day granules of
// adjacent tiles are mosaicked when they share CRS and pixel size.
func mosaicGrid(members []*MaskedScene) (utils.GeoReference, error) {
	geos := make([]utils.GeoReference, len(members))
	for i, m := range members {
		geos[i] = m.Geo
	}
	geo, err := utils.UnionGrid(geos)
	if err != nil {
		for _, m := range members[1:] {
			if _, err := utils.UnionGrid([]utils.GeoReference{members[0].Geo, m.Geo}); err != nil {
				return geo, &SceneError{SceneID: m.ID, Err: fmt.Errorf("%w: %v", ErrGridMismatch, err)}
			}
		}
		return geo, &SceneError{SceneID: members[0].ID, Err: fmt.Errorf("%w: %v", ErrGridMismatch, err)}
	}
	return geo, nil
}

// bandUnion returns every band name of members, in first seen order.
func bandUnion(members []*MaskedScene) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range members {
		for _, b := range m.Bands {
			if _, found := seen[b.NameSpace]; !found {
				seen[b.NameSpace] = struct{}{}
				names = append(names, b.NameSpace)
			}
		}
	}
	return names
}

// MedianRaster computes the per-pixel median of the non NaN values of
// stack. Pixels with no data in every raster stay NaN.
func MedianRaster(ns string, stack []*utils.Float32Raster, width, height int) *utils.Float32Raster {
	out := utils.NewFloat32Raster(ns, width, height)
	values := make([]float64, 0, len(stack))
	for i := range out.Data {
		values = values[:0]
		for _, r := range stack {
			if v := r.Data[i]; !utils.IsNoData(v) {
				values = append(values, float64(v))
			}
		}
		out.Data[i] = float32(Median(values))
	}
	return out
}

// Median sorts values in place and returns their median, the mean of the
// two middle values for an even count, or NaN when values is empty.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

// Compositor collects every MaskedScene from In, restores catalog order
// and emits the composites in date order.
type Compositor struct {
	Context context.Context
	In      chan *MaskedScene
	Out     chan *Composite
	Error   chan error
	Options CompositeOptions
	Scenes  []*MaskedScene
}

func NewCompositor(ctx context.Context, opts CompositeOptions, errChan chan error) *Compositor {
	return &Compositor{
		Context: ctx,
		In:      make(chan *MaskedScene, 100),
		Out:     make(chan *Composite, 100),
		Error:   errChan,
		Options: opts,
	}
}

func (cp *Compositor) Run(verbose bool) {
	if verbose {
		defer log.Debug("Compositor done")
	}
	defer close(cp.Out)

	for ms := range cp.In {
		cp.Scenes = append(cp.Scenes, ms)
	}
	if cp.Context.Err() != nil {
		return
	}
	sort.SliceStable(cp.Scenes, func(i, j int) bool { return cp.Scenes[i].Seq < cp.Scenes[j].Seq })

	composites, err := CompositeScenes(cp.Context, cp.Scenes, cp.Options)
	if err != nil {
		cp.sendError(err)
		return
	}
	log.Infof("%d composites from %d masked scenes", len(composites), len(cp.Scenes))

	for _, c := range composites {
		select {
		case cp.Out <- c:
		case <-cp.Context.Done():
			return
		}
	}
}

func (cp *Compositor) sendError(err error) {
	select {
	case cp.Error <- err:
	case <-cp.Context.Done():
	}
}
