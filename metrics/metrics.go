package metrics

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

type CatalogInfo struct {
	Duration   time.Duration `json:"duration"`
	Source     string        `json:"source"`
	Collection string        `json:"collection"`
	NumRecords int           `json:"num_records"`
	NumScenes  int           `json:"num_scenes"`
	BytesRead  int64         `json:"bytes_read"`
}

type MaskerInfo struct {
	Duration  time.Duration `json:"duration"`
	NumScenes int           `json:"num_scenes"`
	NumMasked int           `json:"num_masked"`
}

type CompositorInfo struct {
	Duration      time.Duration `json:"duration"`
	NumScenes     int           `json:"num_scenes"`
	NumComposites int           `json:"num_composites"`
}

type IndexerInfo struct {
	Duration      time.Duration `json:"duration"`
	Region        orb.Geometry  `json:"-"`
	Geometry      string        `json:"geometry"`
	GeometryArea  float64       `json:"geometry_area"`
	ZonalCRS      string        `json:"zonal_crs"`
	ZonalScale    float64       `json:"zonal_scale"`
	NumComposites int           `json:"num_composites"`
	NumIndexSets  int           `json:"num_index_sets"`
	NumFailed     int           `json:"num_failed"`
}

type ExportInfo struct {
	Duration time.Duration `json:"duration"`
	Folder   string        `json:"folder"`
	NumFiles int           `json:"num_files"`
}

type MetricsInfo struct {
	RunTime     string          `json:"run_time"`
	RunDuration time.Duration   `json:"run_duration"`
	Command     string          `json:"command"`
	ConfigFile  string          `json:"config_file"`
	Catalog     *CatalogInfo    `json:"catalog"`
	Masker      *MaskerInfo     `json:"masker"`
	Compositor  *CompositorInfo `json:"compositor"`
	Indexer     *IndexerInfo    `json:"indexer"`
	Export      *ExportInfo     `json:"export"`
	Errors      []string        `json:"errors,omitempty"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
	start  time.Time
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		Info: &MetricsInfo{
			RunTime:    now.UTC().Format(time.RFC3339),
			Catalog:    &CatalogInfo{},
			Masker:     &MaskerInfo{},
			Compositor: &CompositorInfo{},
			Indexer:    &IndexerInfo{},
			Export:     &ExportInfo{},
		},
		logger: logger,
		start:  now,
	}
}

// Log stamps the run duration and hands the info to the logger.
func (m *MetricsCollector) Log() {
	m.Info.RunDuration = time.Since(m.start)
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseGeometry()

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(i)
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// normaliseGeometry records the zonal region as WKT together with its
// planar area in CRS units.
func (i *MetricsInfo) normaliseGeometry() {
	if i.Indexer == nil {
		return
	}
	if i.Indexer.Region == nil {
		if len(i.Indexer.Geometry) == 0 {
			i.Indexer.Geometry = "POLYGON EMPTY"
		}
		return
	}

	geom := i.Indexer.Region
	if b, ok := geom.(orb.Bound); ok {
		geom = b.ToPolygon()
	}
	i.Indexer.Geometry = wkt.MarshalString(geom)
	i.Indexer.GeometryArea = planar.Area(geom)
}
