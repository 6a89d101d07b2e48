package catalog

import (
	"encoding/json"
	"time"

	"github.com/nci/gomemcache/memcache"
	log "github.com/sirupsen/logrus"
)

const defaultCacheExpiration = 6 * time.Hour

// QueryCache keeps catalog search results in memcache keyed by the hash
// of the query.
type QueryCache struct {
	Client     *memcache.Client
	Expiration time.Duration
	verbose    bool
}

func NewQueryCache(memcacheAddress string, verbose bool) *QueryCache {
	// lazy connection; errors returned in Get
	return &QueryCache{
		Client:     memcache.New(memcacheAddress),
		Expiration: defaultCacheExpiration,
		verbose:    verbose,
	}
}

func (c *QueryCache) Put(key string, recs []*SceneRecord) error {
	value, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	if c.verbose {
		log.Infof("QueryCache Put: %v (%d records)", key, len(recs))
	}
	return c.Client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(c.Expiration / time.Second),
	})
}

func (c *QueryCache) Get(key string) ([]*SceneRecord, bool) {
	item, err := c.Client.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log.Debugf("QueryCache Get: %v", err)
		}
		return nil, false
	}

	var recs []*SceneRecord
	if err := json.Unmarshal(item.Value, &recs); err != nil {
		log.Warnf("QueryCache Get: corrupt entry %v: %v", key, err)
		return nil, false
	}
	if c.verbose {
		log.Infof("QueryCache Get: %v (%d records)", key, len(recs))
	}
	return recs, true
}
