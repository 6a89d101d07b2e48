package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDate(t *testing.T) {
	tests := []struct {
		id   string
		want DateKey
	}{
		{"20210615T103031_20210615T103026_T32ULU", NewDateKey(2021, time.June, 15)},
		{"20210620T103029_20210620T103302_T32ULU", NewDateKey(2021, time.June, 20)},
		{"20200229", NewDateKey(2020, time.February, 29)},
		{"20191231T235959", NewDateKey(2019, time.December, 31)},
	}
	for _, tc := range tests {
		k, err := ExtractDate(tc.id)
		require.NoError(t, err, tc.id)
		assert.True(t, tc.want.Equal(k), "%s: got %s", tc.id, k)
	}
}

func TestExtractDateErrors(t *testing.T) {
	for _, id := range []string{
		"",
		"2021061_20210615T103026",
		"2021O615T103031_x",
		"20210230T103031_x",
		"20211301",
		"_20210615T103031",
	} {
		_, err := ExtractDate(id)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, ErrInvalidSceneID), id)
		assert.Contains(t, err.Error(), id)
	}
}

func TestDateKeyFormats(t *testing.T) {
	k := NewDateKey(2021, time.June, 5)
	assert.Equal(t, "2021-06-05", k.String())
	assert.Equal(t, "20210605", k.Compact())
	assert.Equal(t, "2021-06-06", k.AddDays(1).String())
	assert.True(t, k.Before(k.AddDays(1)))
	assert.False(t, k.IsZero())

	local := time.Date(2021, time.June, 5, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2021-06-06", DateKeyOf(local).String())
}
