package utils

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// LoadGeoJSON reads a region of interest from a GeoJSON file. Feature
// collections are flattened into a single multipolygon.
func LoadGeoJSON(path string) (orb.Geometry, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading region %v: %w", path, err)
	}
	geom, err := ParseGeoJSON(data)
	if err != nil {
		return nil, fmt.Errorf("region %v: %w", path, err)
	}
	return geom, nil
}

func ParseGeoJSON(data []byte) (orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		geoms = append(geoms, f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		geoms = append(geoms, g.Geometry())
	}

	return toRegion(geoms)
}

func toRegion(geoms []orb.Geometry) (orb.Geometry, error) {
	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch gt := g.(type) {
		case orb.Polygon:
			mp = append(mp, gt)
		case orb.MultiPolygon:
			mp = append(mp, gt...)
		case orb.Bound:
			mp = append(mp, gt.ToPolygon())
		default:
			return nil, fmt.Errorf("unsupported region geometry type: %T", g)
		}
	}

	switch len(mp) {
	case 0:
		return nil, fmt.Errorf("region contains no polygons")
	case 1:
		return mp[0], nil
	default:
		return mp, nil
	}
}

// RegionContains reports whether p lies inside the region.
func RegionContains(region orb.Geometry, p orb.Point) bool {
	switch g := region.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Bound:
		return g.Contains(p)
	case orb.Ring:
		return planar.RingContains(g, p)
	case orb.Collection:
		for _, c := range g {
			if RegionContains(c, p) {
				return true
			}
		}
	}
	return false
}

// GeometryWKT encodes a geometry as WKT for catalog queries.
func GeometryWKT(g orb.Geometry) string {
	if b, ok := g.(orb.Bound); ok {
		g = b.ToPolygon()
	}
	return wkt.MarshalString(g)
}
