package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nci/gsky-s2/metrics"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// PipelineResult holds the outputs of a run in date order. MaskedScenes
// are kept in catalog order for base map generation.
type PipelineResult struct {
	MaskedScenes []*MaskedScene
	Composites   []*Composite
	IndexSets    []*IndexSet
}

// Pipeline chains SceneMasker, Compositor and Indexer. Masking and
// compositing errors abort the run; index failures are reported next to
// the index sets that succeeded.
type Pipeline struct {
	Context          context.Context
	MaskParams       MaskParams
	CompositeOptions CompositeOptions
	Engine           *IndexEngine
	Region           orb.Geometry
	ZonalParams      ZonalParams
	MaskWorkers      int
	IndexConcurrency int
	Metrics          *metrics.MetricsCollector
	Verbose          bool
}

func InitPipeline(ctx context.Context, maskParams MaskParams, opts CompositeOptions, engine *IndexEngine, region orb.Geometry, zonal ZonalParams) *Pipeline {
	return &Pipeline{
		Context:          ctx,
		MaskParams:       maskParams,
		CompositeOptions: opts,
		Engine:           engine,
		Region:           region,
		ZonalParams:      zonal,
		MaskWorkers:      opts.Concurrency,
		IndexConcurrency: opts.Concurrency,
	}
}

func (p *Pipeline) Process(scenes []*Scene) (*PipelineResult, error) {
	ctx, cancel := context.WithCancel(p.Context)
	defer cancel()

	info := p.metricsInfo()
	info.Masker.NumScenes = len(scenes)
	info.Indexer.Region = p.Region
	info.Indexer.ZonalCRS = p.ZonalParams.CRS
	info.Indexer.ZonalScale = p.ZonalParams.Scale

	errChan := make(chan error, 100)
	var fatal []error
	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		for err := range errChan {
			fatal = append(fatal, err)
			cancel()
		}
	}()

	sm := NewSceneMasker(ctx, p.MaskParams, p.MaskWorkers, errChan)
	cp := NewCompositor(ctx, p.CompositeOptions, errChan)
	ix := NewIndexer(ctx, p.Engine, p.Region, p.ZonalParams, p.IndexConcurrency)
	cp.In = sm.Out

	var stages sync.WaitGroup
	runStage := func(d *time.Duration, run func(bool)) {
		stages.Add(1)
		go func() {
			defer stages.Done()
			t0 := time.Now()
			run(p.Verbose)
			*d = time.Since(t0)
		}()
	}

	go func() {
		defer close(sm.In)
		for _, s := range scenes {
			select {
			case sm.In <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	var composites []*Composite
	stages.Add(1)
	go func() {
		defer stages.Done()
		defer close(ix.In)
		for c := range cp.Out {
			composites = append(composites, c)
			ix.In <- c
		}
	}()

	runStage(&info.Masker.Duration, sm.Run)
	runStage(&info.Compositor.Duration, cp.Run)
	runStage(&info.Indexer.Duration, ix.Run)

	var results []*IndexResult
	for res := range ix.Out {
		results = append(results, res)
	}
	stages.Wait()
	close(errChan)
	<-errDone

	if len(fatal) == 0 && p.Context.Err() != nil {
		fatal = append(fatal, p.Context.Err())
	}
	if len(fatal) > 0 {
		err := errors.Join(fatal...)
		info.Errors = append(info.Errors, err.Error())
		return nil, err
	}

	info.Masker.NumMasked = len(cp.Scenes)
	info.Compositor.NumScenes = len(cp.Scenes)
	info.Compositor.NumComposites = len(composites)
	info.Indexer.NumComposites = len(composites)

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	out := &PipelineResult{MaskedScenes: cp.Scenes, Composites: composites}
	var indexErrs []error
	for _, res := range results {
		if res.Err != nil {
			indexErrs = append(indexErrs, res.Err)
			info.Errors = append(info.Errors, res.Err.Error())
			continue
		}
		out.IndexSets = append(out.IndexSets, res.Set)
	}
	info.Indexer.NumIndexSets = len(out.IndexSets)
	info.Indexer.NumFailed = len(indexErrs)

	log.Infof("pipeline: %d scenes, %d composites, %d index sets, %d failures",
		len(scenes), len(composites), len(out.IndexSets), len(indexErrs))
	return out, errors.Join(indexErrs...)
}

func (p *Pipeline) metricsInfo() *metrics.MetricsInfo {
	if p.Metrics == nil {
		return metrics.NewMetricsCollector(nil).Info
	}
	return p.Metrics.Info
}
