package store

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ianfoo/tweetwatch"
)

const (
	fieldLastSeenID = "last_seen_id"
	fieldFirstRun   = "first_run"
)

// Redis keeps the state record in a hash. The caller owns the client.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis returns a store using the hash at key.
func NewRedis(client redis.Cmdable, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Load reads the hash. A missing key means no baseline yet.
func (r *Redis) Load(ctx context.Context) (tweetwatch.State, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", r.key)
	}
	if len(vals) == 0 {
		return tweetwatch.Uninitialized{}, nil
	}
	rec := tweetwatch.Record{LastSeenID: vals[fieldLastSeenID], FirstRun: true}
	if v, ok := vals[fieldFirstRun]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s in %s", fieldFirstRun, r.key)
		}
		rec.FirstRun = b
	}
	return tweetwatch.StateFromRecord(rec), nil
}

// Save overwrites both fields in one command.
func (r *Redis) Save(ctx context.Context, st tweetwatch.State) error {
	rec := tweetwatch.RecordFromState(st)
	err := r.client.HSet(ctx, r.key,
		fieldLastSeenID, rec.LastSeenID,
		fieldFirstRun, strconv.FormatBool(rec.FirstRun),
	).Err()
	return errors.Wrapf(err, "error writing %s", r.key)
}
