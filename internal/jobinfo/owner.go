// Package jobinfo implements the job-info read-side: the eventlog watcher
// (§4.I), the update-watcher (§4.J), and resource truncation (§4.K).
package jobinfo

import (
	"context"
	"encoding/json"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fluxcore/jobctl/internal/broker"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "jobinfo")

// ownerCacheSize matches the ~1000-entry LRU described in §4.I.
const ownerCacheSize = 1000

// OwnerCache caches the submitting userid per jobid so repeated watch/
// lookup access-control checks don't reread each job's primary eventlog.
type OwnerCache struct {
	cache *lru.Cache[string, int]
}

// NewOwnerCache constructs an OwnerCache.
func NewOwnerCache() (*OwnerCache, error) {
	c, err := lru.New[string, int](ownerCacheSize)
	if err != nil {
		return nil, ferrors.Wrap(err)
	}
	return &OwnerCache{cache: c}, nil
}

// Owner returns jobid's submitting userid, reading the job's primary
// eventlog's first ("submit") entry on a cache miss.
func (c *OwnerCache) Owner(ctx context.Context, store broker.Store, jobid string) (int, error) {
	if userid, ok := c.cache.Get(jobid); ok {
		return userid, nil
	}

	path := MainEventlogPath(jobid)
	b, err := store.Get(ctx, path)
	if err != nil {
		return 0, ferrors.Wrapf(err, "read primary eventlog for owner check; job: %s", jobid)
	}

	entries, err := eventlog.DecodeLog(b)
	if err != nil {
		return 0, ferrors.Wrapf(err, "decode primary eventlog for owner check; job: %s", jobid)
	}
	if len(entries) == 0 || entries[0].Name != "submit" {
		return 0, ferrors.Newf(ferrors.Protocol, "job %s eventlog does not begin with submit", jobid)
	}

	var submit struct {
		Userid int `json:"userid"`
	}
	if err := json.Unmarshal(entries[0].Context, &submit); err != nil {
		return 0, ferrors.Wrapf(err, "decode submit context; job: %s", jobid)
	}

	c.cache.Add(jobid, submit.Userid)
	return submit.Userid, nil
}

// Allow reports whether a requester with (route identity owner flag,
// userid) may access jobid's job-info.
func (c *OwnerCache) Allow(ctx context.Context, store broker.Store, jobid string, requesterIsInstanceOwner bool, requesterUserid int) (bool, error) {
	if requesterIsInstanceOwner {
		return true, nil
	}
	owner, err := c.Owner(ctx, store, jobid)
	if err != nil {
		return false, err
	}
	return owner == requesterUserid, nil
}

// MainEventlogPath returns the KVS path of a job's primary eventlog.
func MainEventlogPath(jobid string) string {
	return "job." + jobid + ".eventlog"
}
