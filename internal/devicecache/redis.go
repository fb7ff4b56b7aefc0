package devicecache

import (
	"context"

	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/pkg/database"
)

const redisKeyPrefix = "mesh:device:"

// RedisResolver implements OuterResolver with GET/SET on one Redis
// string key per device (redisKeyPrefix plus the base58 object ID), so a descriptor Added on one transport process is
// resolvable from any other sharing the same Redis instance, per
// SPEC_FULL.md §4.9's note that this is a resolver backend the runtime
// calls out to, not state it owns.
type RedisResolver struct {
	redis *database.Redis
}

// NewRedisResolver wraps an already-connected Redis client.
func NewRedisResolver(r *database.Redis) *RedisResolver {
	return &RedisResolver{redis: r}
}

// Resolve fetches and deserializes the descriptor stored for id, if any.
func (r *RedisResolver) Resolve(ctx context.Context, id objectid.ID) (*desc.Descriptor, error) {
	raw, err := r.redis.Client().Get(ctx, redisKeyPrefix+id.String()).Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, op+".RedisResolver.Resolve", id.String(), err)
	}
	d, _, err := desc.DeserializeDescriptor(raw)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, op+".RedisResolver.Resolve", id.String(), err)
	}
	return d, nil
}

// Add stores device's serialized descriptor under its own ID, so a
// later Resolve on any process sharing this Redis instance finds it.
func (r *RedisResolver) Add(ctx context.Context, device *desc.Descriptor) error {
	id, err := device.ID()
	if err != nil {
		return err
	}
	raw, err := device.Serialize(nil)
	if err != nil {
		return err
	}
	if err := r.redis.Client().Set(ctx, redisKeyPrefix+id.String(), raw, 0).Err(); err != nil {
		return errs.Wrap(errs.Retry, op+".RedisResolver.Add", id.String(), err)
	}
	return nil
}
