package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// rateLimitScript atomically increments a fixed-window bucket and arms the
// window expiry on the first hit.
// KEYS[1] = bucket key
// ARGV[1] = window in milliseconds
// Returns the post-increment count.
var rateLimitScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return count
`)

// RedisStore persists model state in a Redis server so that circuit state,
// statistics, and rate limits are shared across replicas.
//
// Key layout:
//
//	router:state:{name}     — JSON ModelState (requests serialized empty)
//	router:requests:{name}  — sorted set of record JSON, scored by unix ms
//	router:ratelimit:{key}  — integer bucket with window TTL
//	router:fallbacks_used   — integer counter
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle; Close releases it.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL parses a redis:// URL and returns a connected store.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("state: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (r *RedisStore) Init(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return storageErr("ping", "", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) GetState(ctx context.Context, name string) (*ModelState, error) {
	raw, err := r.client.Get(ctx, stateKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("GET", stateKey(name), err)
	}

	var st ModelState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, storageErr("decode", stateKey(name), err)
	}
	return &st, nil
}

func (r *RedisStore) SetState(ctx context.Context, name string, st *ModelState) error {
	cp := st.Clone()
	cp.Stats.Requests = []RequestRecord{} // records live in the sorted set
	raw, err := json.Marshal(cp)
	if err != nil {
		return storageErr("encode", stateKey(name), err)
	}
	if err := r.client.Set(ctx, stateKey(name), raw, 0).Err(); err != nil {
		return storageErr("SET", stateKey(name), err)
	}
	return nil
}

// storedRecord carries a unique ID so two identical outcomes in the same
// millisecond remain distinct sorted-set members.
type storedRecord struct {
	RequestRecord
	ID string `json:"id"`
}

func (r *RedisStore) RecordRequest(ctx context.Context, name string, rec RequestRecord) error {
	member, err := json.Marshal(storedRecord{RequestRecord: rec, ID: uuid.NewString()})
	if err != nil {
		return storageErr("encode", requestsKey(name), err)
	}
	z := redis.Z{Score: float64(rec.Timestamp), Member: string(member)}
	if err := r.client.ZAdd(ctx, requestsKey(name), z).Err(); err != nil {
		return storageErr("ZADD", requestsKey(name), err)
	}
	return nil
}

func (r *RedisStore) GetRequests(ctx context.Context, name string, windowStart int64) ([]RequestRecord, error) {
	key := requestsKey(name)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart))
	rangeCmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", windowStart),
		Max: "+inf",
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("ZRANGEBYSCORE", key, err)
	}

	members := rangeCmd.Val()
	records := make([]RequestRecord, 0, len(members))
	for _, m := range members {
		var sr storedRecord
		if err := json.Unmarshal([]byte(m), &sr); err != nil {
			continue // skip unreadable members rather than poisoning the window
		}
		records = append(records, sr.RequestRecord)
	}
	return records, nil
}

func (r *RedisStore) ResetState(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, stateKey(name), requestsKey(name)).Err(); err != nil {
		return storageErr("DEL", stateKey(name), err)
	}
	return nil
}

func (r *RedisStore) ModelNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := r.client.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), stateKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, storageErr("SCAN", stateKeyPrefix+"*", err)
	}
	return names, nil
}

func (r *RedisStore) FallbacksUsed(ctx context.Context) (int64, error) {
	n, err := r.client.Get(ctx, fallbacksKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("GET", fallbacksKey, err)
	}
	return n, nil
}

func (r *RedisStore) RecordFallbackUsage(ctx context.Context) error {
	if err := r.client.Incr(ctx, fallbacksKey).Err(); err != nil {
		return storageErr("INCR", fallbacksKey, err)
	}
	return nil
}

func (r *RedisStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := rateLimitScript.Run(ctx, r.client,
		[]string{rateLimitKey(key)},
		window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, storageErr("INCR", rateLimitKey(key), err)
	}
	return count <= int64(limit), nil
}
