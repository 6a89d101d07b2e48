package utils

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformPoint(t *testing.T) {
	// the central meridian of UTM zone 32 on the equator
	p, err := TransformPoint(orb.Point{9, 0}, "EPSG:4326", "EPSG:32632")
	require.NoError(t, err)
	assert.InDelta(t, 500000, p[0], 1e-3)
	assert.InDelta(t, 0, p[1], 1e-3)

	back, err := TransformPoint(p, "EPSG:32632", "EPSG:4326")
	require.NoError(t, err)
	assert.InDelta(t, 9, back[0], 1e-9)
	assert.InDelta(t, 0, back[1], 1e-9)

	same, err := TransformPoint(orb.Point{1, 2}, "EPSG:32632", "EPSG:32632")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 2}, same)

	_, err = TransformPoint(orb.Point{1, 2}, "WGS84", "EPSG:32632")
	assert.Error(t, err)
}

func TestTransformBound(t *testing.T) {
	b := orb.Bound{Min: orb.Point{8.9, -0.1}, Max: orb.Point{9.1, 0.1}}
	ub, err := TransformBound(b, "EPSG:4326", "EPSG:32632")
	require.NoError(t, err)
	assert.True(t, ub.Contains(orb.Point{500000, 0}))
	for _, corner := range []orb.Point{b.Min, b.Max, {b.Min[0], b.Max[1]}, {b.Max[0], b.Min[1]}} {
		p, err := TransformPoint(corner, "EPSG:4326", "EPSG:32632")
		require.NoError(t, err)
		assert.True(t, ub.Pad(1e-6).Contains(p), "%v", corner)
	}

	same, err := TransformBound(b, "EPSG:4326", "EPSG:4326")
	require.NoError(t, err)
	assert.Equal(t, b, same)
}

func TestTransformGeometry(t *testing.T) {
	poly := orb.Polygon{{{8.9, -0.1}, {9.1, -0.1}, {9.1, 0.1}, {8.9, 0.1}, {8.9, -0.1}}}
	g, err := TransformGeometry(poly, "EPSG:4326", "EPSG:32632")
	require.NoError(t, err)
	up, ok := g.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, up[0], 5)
	assert.True(t, RegionContains(up, orb.Point{500000, 0}))
	// the input is left untouched
	assert.Equal(t, orb.Point{8.9, -0.1}, poly[0][0])

	g, err = TransformGeometry(orb.Bound{Min: orb.Point{8.9, -0.1}, Max: orb.Point{9.1, 0.1}}, "EPSG:4326", "EPSG:32632")
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, g)

	_, err = TransformGeometry(orb.LineString{{9, 0}, {9.1, 0}}, "EPSG:4326", "EPSG:32632")
	assert.Error(t, err)
}
