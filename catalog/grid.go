package catalog

import (
	"fmt"

	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
)

// footprintCRS is the CRS of query boundaries and record footprints.
const footprintCRS = "EPSG:4326"

// TargetGrid returns the grid of resolution res in crs every scene is
// warped onto. It covers the query boundary, or the footprints of recs
// when the query has none.
func TargetGrid(q *Query, recs []*SceneRecord, crs string, res float64) (*utils.GeoReference, error) {
	extent := q.Boundary
	if !q.hasBoundary() {
		extent = orb.Bound{}
		for i, rec := range recs {
			if rec.Footprint.IsZero() {
				return nil, fmt.Errorf("scene %s has no footprint to derive the grid from", rec.ID)
			}
			if i == 0 {
				extent = rec.Footprint
			} else {
				extent = extent.Union(rec.Footprint)
			}
		}
	}
	if extent.IsZero() {
		return nil, fmt.Errorf("no extent to derive the grid from")
	}

	b, err := utils.TransformBound(extent, footprintCRS, crs)
	if err != nil {
		return nil, err
	}
	geo, err := utils.AlignedGrid(crs, b, res)
	if err != nil {
		return nil, err
	}
	return &geo, nil
}
