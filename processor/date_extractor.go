package processor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidSceneID = errors.New("invalid scene identifier")

const (
	compactDateFormat = "20060102"
	isoDateFormat     = "2006-01-02"
)

// DateKey is a UTC calendar day used to group and order scenes.
type DateKey struct {
	t time.Time
}

func NewDateKey(year int, month time.Month, day int) DateKey {
	return DateKey{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateKeyOf truncates t to its UTC calendar day.
func DateKeyOf(t time.Time) DateKey {
	t = t.UTC()
	return NewDateKey(t.Year(), t.Month(), t.Day())
}

func (k DateKey) Time() time.Time {
	return k.t
}

func (k DateKey) IsZero() bool {
	return k.t.IsZero()
}

func (k DateKey) Before(o DateKey) bool {
	return k.t.Before(o.t)
}

func (k DateKey) Equal(o DateKey) bool {
	return k.t.Equal(o.t)
}

func (k DateKey) AddDays(n int) DateKey {
	return DateKey{k.t.AddDate(0, 0, n)}
}

func (k DateKey) String() string {
	return k.t.Format(isoDateFormat)
}

// Compact formats the key as YYYYMMDD.
func (k DateKey) Compact() string {
	return k.t.Format(compactDateFormat)
}

// ExtractDate parses the acquisition date encoded in the first eight
// characters of the first underscore delimited segment of a scene
// identifier, e.g. 20210615T103031_20210615T103026_T32ULU.
func ExtractDate(id string) (DateKey, error) {
	segment := id
	if idx := strings.Index(id, "_"); idx >= 0 {
		segment = id[:idx]
	}
	if len(segment) < len(compactDateFormat) {
		return DateKey{}, fmt.Errorf("%w: %q: date segment %q is shorter than 8 characters", ErrInvalidSceneID, id, segment)
	}

	digits := segment[:len(compactDateFormat)]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return DateKey{}, fmt.Errorf("%w: %q: %q is not numeric", ErrInvalidSceneID, id, digits)
		}
	}

	t, err := time.Parse(compactDateFormat, digits)
	if err != nil {
		return DateKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidSceneID, id, err)
	}
	return DateKey{t}, nil
}
