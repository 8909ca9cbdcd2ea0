package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
)

// Cache memoizes resolutions under a per-(station, fuel) version. Callers read
// the version once before loading from the store and pass it to Get and Set,
// so a resolution computed before an Invalidate is never stored under the
// bumped version. Implementations must treat every failure as a miss; the
// store stays authoritative.
type Cache interface {
	Version(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID) (int64, bool)
	Get(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, version int64, asOf time.Time) (Resolution, bool)
	Set(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, version int64, asOf time.Time, res Resolution)
	Invalidate(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID)
}

// RedisCache stores resolutions under a per-(station, fuel) version number.
// Invalidate bumps the version, which orphans every older key at once.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func versionKey(stationID generic.StationID, fuelID generic.FuelID) string {
	return fmt.Sprintf("price:%s:%s:version", stationID, fuelID)
}

func entryKey(stationID generic.StationID, fuelID generic.FuelID, version int64, asOf time.Time) string {
	return fmt.Sprintf("price:%s:%s:v%d:%d", stationID, fuelID, version, asOf.UTC().UnixNano())
}

// Version returns the current version; a missing key is version 0.
func (c *RedisCache) Version(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	version, err := c.client.Get(ctx, versionKey(stationID, fuelID)).Int64()
	if err != nil && err != redis.Nil {
		c.logger.Warn("price cache version lookup failed", zap.Error(err))
		return 0, false
	}
	return version, true
}

func (c *RedisCache) Get(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, version int64, asOf time.Time) (Resolution, bool) {
	if c == nil || c.client == nil {
		return Resolution{}, false
	}
	key := entryKey(stationID, fuelID, version, asOf)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("price cache get failed", zap.String("key", key), zap.Error(err))
		}
		return Resolution{}, false
	}
	var res Resolution
	if err := json.Unmarshal(raw, &res); err != nil {
		return Resolution{}, false
	}
	return res, true
}

func (c *RedisCache) Set(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, version int64, asOf time.Time, res Resolution) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	key := entryKey(stationID, fuelID, version, asOf)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("price cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Incr(ctx, versionKey(stationID, fuelID)).Err(); err != nil {
		c.logger.Warn("price cache invalidate failed",
			zap.String("station_id", string(stationID)),
			zap.String("fuel_id", string(fuelID)),
			zap.Error(err))
	}
}

// NewRedisClient connects and pings, as cmd/server does at startup.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
