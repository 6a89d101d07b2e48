package processor

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/paulmach/orb"
)

// SeriesPoint is the value of one band at one location for one IndexSet.
// Valid is false when the location is outside the raster or holds no
// data.
type SeriesPoint struct {
	Date        string    `json:"date"`
	TimeStart   time.Time `json:"time_start"`
	TimeEnd     time.Time `json:"time_end"`
	CompositeID string    `json:"composite_id"`
	Value       float64   `json:"-"`
	Valid       bool      `json:"valid"`
}

// FormatValue returns the value as text, empty when there is no data.
func (sp SeriesPoint) FormatValue() string {
	if !sp.Valid {
		return ""
	}
	return strconv.FormatFloat(sp.Value, 'f', -1, 64)
}

// ISODate formats Date as YYYY-MM-DD.
func (sp SeriesPoint) ISODate() string {
	t, err := time.Parse(compactDateFormat, sp.Date)
	if err != nil {
		return sp.Date
	}
	return t.Format(isoDateFormat)
}

// SampleSeries reads band at point, given in the CRS of the index sets,
// from every set in order. The pixel containing the point is used.
func SampleSeries(sets []*IndexSet, point orb.Point, band string) ([]SeriesPoint, error) {
	points := make([]SeriesPoint, 0, len(sets))
	for _, set := range sets {
		r, ok := set.Band(band)
		if !ok {
			return nil, fmt.Errorf("index set %s has no band %s", set.CompositeID, band)
		}

		sp := SeriesPoint{
			Date:        set.Date,
			TimeStart:   set.TimeStart,
			TimeEnd:     set.TimeEnd,
			CompositeID: set.CompositeID,
			Value:       math.NaN(),
		}
		if x, y, inside := set.Geo.PixelOf(point); inside {
			v := r.Data[y*r.Width+x]
			if !math.IsNaN(float64(v)) {
				sp.Value = float64(v)
				sp.Valid = true
			}
		}
		points = append(points, sp)
	}
	return points, nil
}
