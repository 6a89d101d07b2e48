package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/gammazero/workerpool"
	"github.com/nci/gsky-s2/utils"
	log "github.com/sirupsen/logrus"
)

var ErrMissingBand = errors.New("missing band")

// Sentinel-2 L2A scene classification codes treated as contaminated.
const (
	SCLCloudShadow     = 3
	SCLCloudLowProb    = 7
	SCLCloudMediumProb = 8
	SCLCloudHighProb   = 9
	SCLThinCirrus      = 10
	SCLSnowIce         = 11
)

const (
	DefaultQABand             = "QA60"
	DefaultCloudProbBand      = "MSK_CLDPRB"
	DefaultSCLBand            = "SCL"
	DefaultCloudProbThreshold = 10
	DefaultReflectancePattern = `^B[0-9]+A?$`
	DefaultScaleFactor        = 10000

	qaOpaqueCloudBit = 10
	qaCirrusBit      = 11
)

// MaskParams drives the contamination tests of ComputeMask. A pixel is
// clear when none of QABits is set in the QA band, its cloud probability
// is below CloudProbThreshold and its SCL class is not in SCLExclude.
type MaskParams struct {
	QABand             string
	QABits             []uint
	CloudProbBand      string
	CloudProbThreshold float32
	SCLBand            string
	SCLExclude         []int
	Reflectance        *regexp.Regexp
	ScaleFactor        float32
}

func DefaultMaskParams() MaskParams {
	return MaskParams{
		QABand:             DefaultQABand,
		QABits:             []uint{qaOpaqueCloudBit, qaCirrusBit},
		CloudProbBand:      DefaultCloudProbBand,
		CloudProbThreshold: DefaultCloudProbThreshold,
		SCLBand:            DefaultSCLBand,
		SCLExclude: []int{SCLCloudShadow, SCLCloudLowProb, SCLCloudMediumProb,
			SCLCloudHighProb, SCLThinCirrus, SCLSnowIce},
		Reflectance: regexp.MustCompile(DefaultReflectancePattern),
		ScaleFactor: DefaultScaleFactor,
	}
}

// NewMaskParams overrides the defaults with the non-zero settings of cfg.
func NewMaskParams(cfg utils.MaskConfig) (MaskParams, error) {
	p := DefaultMaskParams()
	if len(cfg.QABand) > 0 {
		p.QABand = cfg.QABand
	}
	if len(cfg.QABits) > 0 {
		for _, b := range cfg.QABits {
			if b > 31 {
				return p, fmt.Errorf("qa bit %d out of range", b)
			}
		}
		p.QABits = cfg.QABits
	}
	if len(cfg.CloudProbBand) > 0 {
		p.CloudProbBand = cfg.CloudProbBand
	}
	if cfg.CloudProbThreshold != nil {
		if *cfg.CloudProbThreshold < 0 {
			return p, fmt.Errorf("negative cloud probability threshold: %v", *cfg.CloudProbThreshold)
		}
		p.CloudProbThreshold = float32(*cfg.CloudProbThreshold)
	}
	if len(cfg.SCLBand) > 0 {
		p.SCLBand = cfg.SCLBand
	}
	if len(cfg.SCLExclude) > 0 {
		p.SCLExclude = cfg.SCLExclude
	}
	if len(cfg.ReflectancePattern) > 0 {
		re, err := regexp.Compile(cfg.ReflectancePattern)
		if err != nil {
			return p, fmt.Errorf("invalid reflectance pattern: %w", err)
		}
		p.Reflectance = re
	}
	if cfg.ScaleFactor > 0 {
		p.ScaleFactor = float32(cfg.ScaleFactor)
	}
	return p, nil
}

func (p MaskParams) qaMask() uint32 {
	var m uint32
	for _, b := range p.QABits {
		m |= 1 << b
	}
	return m
}

func (p MaskParams) auxBand(scene *Scene, name string) (*utils.Float32Raster, error) {
	band, ok := scene.Band(name)
	if !ok {
		return nil, &SceneError{SceneID: scene.ID, Err: fmt.Errorf("%w: %s", ErrMissingBand, name)}
	}
	return band, nil
}

// ComputeMask returns true for every pixel of scene that passes the QA
// bitmask, cloud probability and scene classification tests. NaN
// auxiliary values fail.
func ComputeMask(scene *Scene, params MaskParams) ([]bool, error) {
	if err := utils.ValidateRasterSlice(scene.Bands, scene.Geo); err != nil {
		return nil, &SceneError{SceneID: scene.ID, Err: err}
	}

	qa, err := params.auxBand(scene, params.QABand)
	if err != nil {
		return nil, err
	}
	prob, err := params.auxBand(scene, params.CloudProbBand)
	if err != nil {
		return nil, err
	}
	scl, err := params.auxBand(scene, params.SCLBand)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]struct{}, len(params.SCLExclude))
	for _, c := range params.SCLExclude {
		excluded[c] = struct{}{}
	}
	qaMask := params.qaMask()

	out := make([]bool, scene.Geo.Size())
	for i := range out {
		qv, pv, sv := qa.Data[i], prob.Data[i], scl.Data[i]
		if utils.IsNoData(qv) || utils.IsNoData(pv) || utils.IsNoData(sv) {
			continue
		}
		if uint32(qv)&qaMask != 0 {
			continue
		}
		if !(pv < params.CloudProbThreshold) {
			continue
		}
		if _, found := excluded[int(math.Round(float64(sv)))]; found {
			continue
		}
		out[i] = true
	}
	return out, nil
}

// ApplyMask returns copies of bands with every pixel outside mask set to
// NaN.
func ApplyMask(bands []*utils.Float32Raster, mask []bool) ([]*utils.Float32Raster, error) {
	out := make([]*utils.Float32Raster, len(bands))
	for ib, band := range bands {
		if len(band.Data) != len(mask) {
			return nil, fmt.Errorf("band %s holds %d pixels, mask %d", band.NameSpace, len(band.Data), len(mask))
		}
		masked := band.Clone()
		for i, ok := range mask {
			if !ok {
				masked.Data[i] = utils.NoDataValue()
			}
		}
		out[ib] = masked
	}
	return out, nil
}

// MaskScene keeps the reflectance bands of scene, scaled by
// 1/ScaleFactor, with contaminated pixels set to NaN. A fully
// contaminated scene is returned as an all NaN MaskedScene.
func MaskScene(scene *Scene, params MaskParams) (*MaskedScene, error) {
	mask, err := ComputeMask(scene, params)
	if err != nil {
		return nil, err
	}

	ms := &MaskedScene{
		ID:        scene.ID,
		TimeStart: scene.TimeStart,
		TimeEnd:   scene.TimeEnd,
		Geo:       scene.Geo,
	}

	for _, band := range scene.Bands {
		if !params.Reflectance.MatchString(band.NameSpace) {
			continue
		}
		scaled := utils.NewFloat32Raster(band.NameSpace, band.Width, band.Height)
		for i, v := range band.Data {
			if mask[i] {
				scaled.Data[i] = v / params.ScaleFactor
			} else {
				scaled.Data[i] = utils.NoDataValue()
			}
		}
		ms.Bands = append(ms.Bands, scaled)
	}

	if len(ms.Bands) == 0 {
		return nil, &SceneError{SceneID: scene.ID, Err: fmt.Errorf("%w: no reflectance bands", ErrMissingBand)}
	}
	return ms, nil
}

// SceneMasker masks scenes concurrently. Output order is not the input
// order; MaskedScene.Seq records the input position.
type SceneMasker struct {
	Context context.Context
	In      chan *Scene
	Out     chan *MaskedScene
	Error   chan error
	Params  MaskParams
	Workers int
}

func NewSceneMasker(ctx context.Context, params MaskParams, workers int, errChan chan error) *SceneMasker {
	if workers <= 0 {
		workers = utils.DefaultConcurrency()
	}
	return &SceneMasker{
		Context: ctx,
		In:      make(chan *Scene, 100),
		Out:     make(chan *MaskedScene, 100),
		Error:   errChan,
		Params:  params,
		Workers: workers,
	}
}

func (sm *SceneMasker) Run(verbose bool) {
	if verbose {
		defer log.Debug("Scene Masker done")
	}
	defer close(sm.Out)

	wp := workerpool.New(sm.Workers)
	seq := 0
	for scene := range sm.In {
		scene := scene
		sceneSeq := seq
		seq++
		wp.Submit(func() {
			if sm.Context.Err() != nil {
				return
			}
			ms, err := MaskScene(scene, sm.Params)
			if err != nil {
				sm.sendError(err)
				return
			}
			ms.Seq = sceneSeq
			if verbose {
				log.Debugf("masked scene %s", scene.ID)
			}
			select {
			case sm.Out <- ms:
			case <-sm.Context.Done():
			}
		})
	}
	wp.StopWait()
}

func (sm *SceneMasker) sendError(err error) {
	select {
	case sm.Error <- err:
	case <-sm.Context.Done():
	}
}
