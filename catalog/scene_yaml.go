package catalog

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type sceneBand struct {
	Path string
}

type geoRefPoint struct {
	Lon string
	Lat string
}

// sceneMetadata mirrors the per-scene YAML document written next to the
// band rasters of a scene directory.
type sceneMetadata struct {
	ID         string
	Collection string

	Properties struct {
		Cloudy_pixel_percentage float64
		Sensing_orbit_number    int
	}

	Extent struct {
		Start_dt  string
		End_dt    string
		Center_dt string
	}

	Grid_spatial struct {
		Geo_ref_points struct {
			Ll geoRefPoint
			Lr geoRefPoint
			Ul geoRefPoint
			Ur geoRefPoint
		}
	}

	Image struct {
		Bands map[string]*sceneBand
	}
}

const sceneTimestampFormat = "2006-01-02T15:04:05Z"

// ExtractSceneYaml parses a scene metadata document. Band paths are
// resolved relative to the document.
func ExtractSceneYaml(filename string) (*SceneRecord, error) {
	rawData, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return parseSceneYaml(rawData, filepath.Dir(filename))
}

func parseSceneYaml(rawData []byte, dsPath string) (*SceneRecord, error) {
	meta := sceneMetadata{}
	if err := yaml.Unmarshal(rawData, &meta); err != nil {
		return nil, err
	}
	if len(meta.ID) == 0 {
		return nil, fmt.Errorf("scene metadata has no id")
	}

	rec := &SceneRecord{
		ID:                    meta.ID,
		Collection:            meta.Collection,
		CloudyPixelPercentage: meta.Properties.Cloudy_pixel_percentage,
		OrbitNumber:           meta.Properties.Sensing_orbit_number,
	}

	start := meta.Extent.Start_dt
	if len(start) == 0 {
		start = meta.Extent.Center_dt
	}
	var err error
	rec.TimeStart, err = parseSceneTime(start)
	if err != nil {
		return nil, fmt.Errorf("scene %s: invalid start timestamp: %w", meta.ID, err)
	}
	rec.TimeEnd = rec.TimeStart
	if len(meta.Extent.End_dt) > 0 {
		rec.TimeEnd, err = parseSceneTime(meta.Extent.End_dt)
		if err != nil {
			return nil, fmt.Errorf("scene %s: invalid end timestamp: %w", meta.ID, err)
		}
	}

	pts := meta.Grid_spatial.Geo_ref_points
	hasFootprint := false
	for _, p := range []geoRefPoint{pts.Ll, pts.Lr, pts.Ul, pts.Ur} {
		if len(p.Lon) == 0 && len(p.Lat) == 0 {
			continue
		}
		lon, err := strconv.ParseFloat(p.Lon, 64)
		if err != nil {
			return nil, fmt.Errorf("scene %s: invalid footprint longitude: %w", meta.ID, err)
		}
		lat, err := strconv.ParseFloat(p.Lat, 64)
		if err != nil {
			return nil, fmt.Errorf("scene %s: invalid footprint latitude: %w", meta.ID, err)
		}
		pt := orb.Point{lon, lat}
		if !hasFootprint {
			rec.Footprint = pt.Bound()
			hasFootprint = true
		} else {
			rec.Footprint = rec.Footprint.Extend(pt)
		}
	}

	for ns, band := range meta.Image.Bands {
		if band == nil || len(band.Path) == 0 {
			log.Warnf("scene %s: band %s has no path", meta.ID, ns)
			continue
		}
		path := band.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dsPath, path)
		}
		rec.Bands = append(rec.Bands, BandFile{Name: ns, Path: path})
	}
	sort.Slice(rec.Bands, func(i, j int) bool { return rec.Bands[i].Name < rec.Bands[j].Name })

	return rec, nil
}

func parseSceneTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sceneTimestampFormat, s, time.UTC)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t.UTC(), err
}
