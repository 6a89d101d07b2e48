package utils

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

const wgs84Proj4 = "+proj=longlat +datum=WGS84 +no_defs"

// SpatialRefFromCRS builds the spatial reference of an EPSG:<code> identifier.
// Geographic WGS84 is built from proj4 to keep lon/lat axis order.
func SpatialRefFromCRS(crs string) (*godal.SpatialRef, error) {
	code, err := ExtractEPSGCode(crs)
	if err != nil {
		return nil, err
	}
	if code == 4326 {
		return godal.NewSpatialRefFromProj4(wgs84Proj4)
	}
	return godal.NewSpatialRefFromEPSG(code)
}

// transformXY reprojects the coordinates in place.
func transformXY(xs, ys []float64, srcCRS, dstCRS string) error {
	InitGdal()

	src, err := SpatialRefFromCRS(srcCRS)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := SpatialRefFromCRS(dstCRS)
	if err != nil {
		return err
	}
	defer dst.Close()

	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		return fmt.Errorf("transform %s to %s: %w", srcCRS, dstCRS, err)
	}
	defer tr.Close()

	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return fmt.Errorf("transform %s to %s: %w", srcCRS, dstCRS, err)
	}
	return nil
}

// TransformPoint reprojects p from srcCRS to dstCRS.
func TransformPoint(p orb.Point, srcCRS, dstCRS string) (orb.Point, error) {
	if srcCRS == dstCRS {
		return p, nil
	}
	xs := []float64{p[0]}
	ys := []float64{p[1]}
	if err := transformXY(xs, ys, srcCRS, dstCRS); err != nil {
		return p, err
	}
	return orb.Point{xs[0], ys[0]}, nil
}

// number of points sampled along each edge of a reprojected bound
const boundEdgeSamples = 21

// TransformBound returns the extent of b, given in srcCRS, in dstCRS. The
// edges are densified so curved edges are covered.
func TransformBound(b orb.Bound, srcCRS, dstCRS string) (orb.Bound, error) {
	if srcCRS == dstCRS {
		return b, nil
	}
	var xs, ys []float64
	for i := 0; i < boundEdgeSamples; i++ {
		f := float64(i) / float64(boundEdgeSamples-1)
		x := b.Min[0] + f*(b.Max[0]-b.Min[0])
		y := b.Min[1] + f*(b.Max[1]-b.Min[1])
		xs = append(xs, x, x, b.Min[0], b.Max[0])
		ys = append(ys, b.Min[1], b.Max[1], y, y)
	}
	if err := transformXY(xs, ys, srcCRS, dstCRS); err != nil {
		return b, err
	}
	mp := make(orb.MultiPoint, len(xs))
	for i := range xs {
		mp[i] = orb.Point{xs[i], ys[i]}
	}
	return mp.Bound(), nil
}

// TransformGeometry reprojects a region. Only polygonal geometries are
// supported; a Bound comes back as the Polygon of its reprojected corners.
func TransformGeometry(g orb.Geometry, srcCRS, dstCRS string) (orb.Geometry, error) {
	if srcCRS == dstCRS {
		return g, nil
	}

	var rings []orb.Ring
	var out orb.Geometry
	switch gt := g.(type) {
	case orb.Bound:
		p := gt.ToPolygon()
		rings = append(rings, p...)
		out = p
	case orb.Ring:
		r := append(orb.Ring(nil), gt...)
		rings = append(rings, r)
		out = r
	case orb.Polygon:
		p := make(orb.Polygon, len(gt))
		for i, r := range gt {
			p[i] = append(orb.Ring(nil), r...)
		}
		rings = append(rings, p...)
		out = p
	case orb.MultiPolygon:
		mp := make(orb.MultiPolygon, len(gt))
		for i, poly := range gt {
			mp[i] = make(orb.Polygon, len(poly))
			for j, r := range poly {
				mp[i][j] = append(orb.Ring(nil), r...)
			}
			rings = append(rings, mp[i]...)
		}
		out = mp
	default:
		return nil, fmt.Errorf("unsupported region geometry type: %T", g)
	}

	var xs, ys []float64
	for _, r := range rings {
		for _, p := range r {
			xs = append(xs, p[0])
			ys = append(ys, p[1])
		}
	}
	if err := transformXY(xs, ys, srcCRS, dstCRS); err != nil {
		return nil, err
	}
	i := 0
	for _, r := range rings {
		for j := range r {
			r[j] = orb.Point{xs[i], ys[i]}
			i++
		}
	}
	return out, nil
}
