package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
)

// Query selects the scenes of a collection. Zero values disable the
// corresponding filter, except MaxCloudPercentage and OrbitNumber which
// are only applied when positive.
type Query struct {
	Collection         string
	Boundary           orb.Bound
	Start              time.Time
	End                time.Time
	MaxCloudPercentage float64
	OrbitNumber        int
}

// BandFile locates the raster of a single band.
type BandFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// SceneRecord is the catalog entry of one acquisition. Footprint is in
// geographic coordinates.
type SceneRecord struct {
	ID                    string     `json:"id"`
	Collection            string     `json:"collection"`
	TimeStart             time.Time  `json:"time_start"`
	TimeEnd               time.Time  `json:"time_end"`
	CloudyPixelPercentage float64    `json:"cloudy_pixel_percentage"`
	OrbitNumber           int        `json:"orbit_number"`
	Footprint             orb.Bound  `json:"footprint"`
	Bands                 []BandFile `json:"bands"`
}

type Catalog interface {
	Search(ctx context.Context, q *Query) ([]*SceneRecord, error)
}

// NewQuery builds the query described by the catalog section of the
// config. The boundary file, when set, is reduced to its bounding box.
func NewQuery(config utils.CatalogConfig) (*Query, error) {
	start, end, err := config.TimeRange()
	if err != nil {
		return nil, err
	}

	q := &Query{
		Collection:         config.Collection,
		Start:              start,
		End:                end,
		MaxCloudPercentage: config.MaxCloudPercentage,
		OrbitNumber:        config.OrbitNumber,
	}

	if len(config.Boundary) > 0 {
		geom, err := utils.LoadGeoJSON(config.Boundary)
		if err != nil {
			return nil, err
		}
		q.Boundary = geom.Bound()
	}
	return q, nil
}

func (q *Query) hasBoundary() bool {
	return !q.Boundary.IsZero()
}

// Matches applies the query filters to a record. The date range is half
// open: scenes sensed on End are excluded.
func (q *Query) Matches(rec *SceneRecord) bool {
	if len(q.Collection) > 0 && len(rec.Collection) > 0 && rec.Collection != q.Collection {
		return false
	}
	if q.hasBoundary() && !q.Boundary.Intersects(rec.Footprint) {
		return false
	}
	if !q.Start.IsZero() && rec.TimeStart.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !rec.TimeStart.Before(q.End) {
		return false
	}
	if q.MaxCloudPercentage > 0 && rec.CloudyPixelPercentage >= q.MaxCloudPercentage {
		return false
	}
	if q.OrbitNumber > 0 && rec.OrbitNumber != q.OrbitNumber {
		return false
	}
	return true
}

func (q *Query) String() string {
	return fmt.Sprintf("collection=%s bbox=%v start=%s end=%s cloud<%v orbit=%d",
		q.Collection, q.Boundary, formatDate(q.Start), formatDate(q.End), q.MaxCloudPercentage, q.OrbitNumber)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(utils.ISODateFormat)
}

// SortRecords orders records by sensing time then ID, which is the order
// the pipeline assigns sequence numbers in.
func SortRecords(recs []*SceneRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].TimeStart.Equal(recs[j].TimeStart) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].TimeStart.Before(recs[j].TimeStart)
	})
}

// New returns the catalog selected by config.Catalog.Source.
func New(config *utils.Config) (Catalog, error) {
	switch config.Catalog.Source {
	case utils.CatalogPostgres:
		pg, err := NewPostgres(config.ServiceConfig.CatalogDSN, config.Indices.Concurrency)
		if err != nil {
			return nil, err
		}
		if len(config.ServiceConfig.MemcacheAddress) > 0 {
			pg.Cache = NewQueryCache(config.ServiceConfig.MemcacheAddress, config.ServiceConfig.Verbose)
		}
		return pg, nil
	case utils.CatalogDir:
		return NewDir(config.Catalog.Root), nil
	default:
		return nil, fmt.Errorf("unknown catalog source: %s", config.Catalog.Source)
	}
}
