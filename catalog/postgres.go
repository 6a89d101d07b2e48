package catalog

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// The nullif() noise coerces Go's empty string zero values for missing
// parameters into proper null arguments, which disable the filter.
const searchSQL = `select id, collection, time_start, time_end,
	cloudy_pixel_percentage, orbit_number,
	st_xmin(footprint), st_ymin(footprint), st_xmax(footprint), st_ymax(footprint),
	bands::text
from s2_scenes
where (nullif($1,'')::text is null or collection = nullif($1,'')::text)
	and (nullif($2,'')::text is null or st_intersects(footprint, st_geomfromtext(nullif($2,'')::text, 4326)))
	and (nullif($3,'')::timestamptz is null or time_start >= nullif($3,'')::timestamptz)
	and (nullif($4,'')::timestamptz is null or time_start < nullif($4,'')::timestamptz)
	and (nullif($5,'')::numeric is null or cloudy_pixel_percentage < nullif($5,'')::numeric)
	and (nullif($6,'')::integer is null or orbit_number = nullif($6,'')::integer)
order by time_start, id`

// Postgres searches the s2_scenes table of a PostGIS catalog database.
type Postgres struct {
	DB    *sql.DB
	Cache *QueryCache
}

func NewPostgres(dsn string, poolSize int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog database: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxIdleConns(poolSize)
		db.SetMaxOpenConns(poolSize)
	}
	return &Postgres{DB: db}, nil
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}

// queryArgs renders the query as the positional arguments of searchSQL.
func queryArgs(q *Query) []interface{} {
	args := make([]interface{}, 6)
	args[0] = q.Collection
	args[1] = ""
	if q.hasBoundary() {
		args[1] = utils.GeometryWKT(q.Boundary)
	}
	args[2] = formatTimestamp(q.Start)
	args[3] = formatTimestamp(q.End)
	args[4] = ""
	if q.MaxCloudPercentage > 0 {
		args[4] = strconv.FormatFloat(q.MaxCloudPercentage, 'f', -1, 64)
	}
	args[5] = ""
	if q.OrbitNumber > 0 {
		args[5] = strconv.Itoa(q.OrbitNumber)
	}
	return args
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func queryKey(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	buff := md5.Sum([]byte("s2_scenes?" + strings.Join(parts, "&")))
	return hex.EncodeToString(buff[:])
}

func (p *Postgres) Search(ctx context.Context, q *Query) ([]*SceneRecord, error) {
	args := queryArgs(q)

	var key string
	if p.Cache != nil {
		key = queryKey(args)
		if recs, ok := p.Cache.Get(key); ok {
			log.Debugf("catalog cache hit: %v", q)
			return recs, nil
		}
	}

	rows, err := p.DB.QueryContext(ctx, searchSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog search %v: %w", q, err)
	}
	defer rows.Close()

	var recs []*SceneRecord
	for rows.Next() {
		rec := &SceneRecord{}
		var minX, minY, maxX, maxY float64
		var bands string
		err := rows.Scan(&rec.ID, &rec.Collection, &rec.TimeStart, &rec.TimeEnd,
			&rec.CloudyPixelPercentage, &rec.OrbitNumber,
			&minX, &minY, &maxX, &maxY, &bands)
		if err != nil {
			return nil, fmt.Errorf("catalog search %v: %w", q, err)
		}
		rec.TimeStart = rec.TimeStart.UTC()
		rec.TimeEnd = rec.TimeEnd.UTC()
		rec.Footprint = orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
		if err := json.Unmarshal([]byte(bands), &rec.Bands); err != nil {
			return nil, fmt.Errorf("scene %s bands: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog search %v: %w", q, err)
	}

	if p.Cache != nil {
		if err := p.Cache.Put(key, recs); err != nil {
			log.Debugf("catalog cache put: %v", err)
		}
	}
	return recs, nil
}
