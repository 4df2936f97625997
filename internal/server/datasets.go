package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

// session is an uploaded dataset kept in memory for follow-up questions. Sessions
// expire after the store's TTL and are never persisted.
type session struct {
	ID      string
	Dataset *dataset.Dataset
	Schema  *schema.Summary
}

type datasetStore struct {
	ttl   time.Duration
	cache *ttlcache.Cache[string, *session]
}

func newDatasetStore(ttl time.Duration) *datasetStore {
	return &datasetStore{
		ttl: ttl,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *session](ttl),
			ttlcache.WithDisableTouchOnHit[string, *session](),
		),
	}
}

// start runs expiry until stop is called.
func (d *datasetStore) start() { d.cache.Start() }

func (d *datasetStore) stop() { d.cache.Stop() }

func (d *datasetStore) add(ds *dataset.Dataset) (*session, time.Time) {
	sess := &session{ID: uuid.NewString(), Dataset: ds, Schema: schema.Extract(ds)}
	item := d.cache.Set(sess.ID, sess, ttlcache.DefaultTTL)
	return sess, item.ExpiresAt()
}

func (d *datasetStore) get(id string) (*session, time.Time, bool) {
	item := d.cache.Get(id)
	if item == nil || item.IsExpired() {
		return nil, time.Time{}, false
	}
	return item.Value(), item.ExpiresAt(), true
}

func (d *datasetStore) remove(id string) bool {
	_, ok := d.cache.GetAndDelete(id)
	return ok
}

func (d *datasetStore) count() int { return d.cache.Len() }
