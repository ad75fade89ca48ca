package repository

import (
	"context"
	stderrors "errors"
	"slices"
	"strconv"
	"time"

	"github.com/Deepreo/jobs/job"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Redis stores one JSON document per job plus a sorted set per status scored by fire time in
// milliseconds, which is the (status, fire time) index window queries range over.
type Redis struct {
	client      redis.UniversalClient
	prefix      string
	clock       clockwork.Clock
	maxAttempts int
}

func NewRedis(client redis.UniversalClient, prefix string, clock clockwork.Clock) *Redis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{client: client, prefix: prefix, clock: clock, maxAttempts: 10}
}

func (r *Redis) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *Redis) idsKey() string          { return r.prefix + "jobs" }
func (r *Redis) statusKey(s job.Status) string {
	return r.prefix + "status:" + string(s)
}

// index writes rec and its index entries in one MULTI/EXEC.
func (r *Redis) index(ctx context.Context, tx *redis.Tx, rec *job.Record) error {
	doc, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(rec.ID), doc, 0)
		pipe.SAdd(ctx, r.idsKey(), rec.ID)
		for _, s := range job.Statuses {
			pipe.ZRem(ctx, r.statusKey(s), rec.ID)
		}
		if !rec.FireTime.IsZero() {
			pipe.ZAdd(ctx, r.statusKey(rec.Status), redis.Z{Score: float64(rec.FireTime.UnixMilli()), Member: rec.ID})
		}
		return nil
	})
	return err
}

// watch runs fn in an optimistic transaction on the job key, retrying lost races.
func (r *Redis) watch(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, r.jobKey(id))
		if !stderrors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// getter is satisfied by both the client and a watched *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c getter, id string) (*job.Record, error) {
	data, err := c.Get(ctx, r.jobKey(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, job.NotFound(id)
	}
	if err != nil {
		return nil, failure(err)
	}
	return decode(data)
}

func (r *Redis) Save(ctx context.Context, record *job.Record) (*job.Record, error) {
	rec, err := prepare(record, r.clock.Now())
	if err != nil {
		return nil, err
	}
	err = r.watch(ctx, rec.ID, func(tx *redis.Tx) error {
		return r.index(ctx, tx, rec)
	})
	if err != nil {
		return nil, failure(err)
	}
	return rec, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*job.Record, error) {
	return r.load(ctx, r.client, id)
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.jobKey(id)).Result()
	if err != nil {
		return false, failure(err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, id string) (*job.Record, error) {
	var deleted *job.Record
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.jobKey(id))
			pipe.SRem(ctx, r.idsKey(), id)
			for _, s := range job.Statuses {
				pipe.ZRem(ctx, r.statusKey(s), id)
			}
			return nil
		})
		deleted = current
		return err
	})
	if err != nil {
		return nil, failure(err)
	}
	return deleted, nil
}

func (r *Redis) loadMany(ctx context.Context, ids []string) ([]*job.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, failure(err)
	}
	out := make([]*job.Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between the index read and MGET.
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) FindAll(ctx context.Context) ([]*job.Record, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, failure(err)
	}
	return r.loadMany(ctx, ids)
}

func (r *Redis) FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Record, error) {
	if len(statuses) == 0 {
		statuses = job.Statuses
	}
	var ids []string
	for _, s := range statuses {
		found, err := r.client.ZRangeByScore(ctx, r.statusKey(s), &redis.ZRangeBy{
			Min: strconv.FormatInt(from.UnixMilli(), 10),
			Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return nil, failure(err)
		}
		ids = append(ids, found...)
	}
	records, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The document is authoritative if it moved after the index was read.
	records = slices.DeleteFunc(records, func(rec *job.Record) bool {
		return !matches(rec, from, to, statuses)
	})
	slices.SortFunc(records, byPriority)
	return records, nil
}

func (r *Redis) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	if err := job.ValidateMergeDelta(id, delta); err != nil {
		return nil, err
	}
	var merged *job.Record
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		merged, err = merge(id, current, delta, r.clock.Now())
		if err != nil {
			return err
		}
		return r.index(ctx, tx, merged)
	})
	if err != nil {
		return nil, failure(err)
	}
	return merged, nil
}
