package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/state"
)

const (
	currentKeyPrefix  = "Entity:Current:"
	versionsKeyPrefix = "Entity:Versions:"
	indexKeyPrefix    = "Entity:Index:"
)

// RedisStore keeps the current blob under a plain key, versioned blobs in a
// hash and the version order in a sorted set scored by unix nanos. Writes go
// through a transactional pipeline so a key's current value and its history
// never diverge.
type RedisStore struct {
	db          redis.UniversalClient
	maxVersions int
}

func NewRedisStore(db redis.UniversalClient, maxVersions int) *RedisStore {
	return &RedisStore{db: db, maxVersions: maxVersions}
}

func currentKey(kind EntityKind, path string) string {
	return fmt.Sprintf("%s%s:%s", currentKeyPrefix, kind, path)
}

func versionsKey(kind EntityKind, path string) string {
	return fmt.Sprintf("%s%s:%s", versionsKeyPrefix, kind, path)
}

func indexKey(kind EntityKind, path string) string {
	return fmt.Sprintf("%s%s:%s", indexKeyPrefix, kind, path)
}

func kindSetKey(kind EntityKind) string {
	return fmt.Sprintf("Entity:Ids:%s", kind)
}

func (s *RedisStore) Get(_ context.Context, kind EntityKind, path string) ([]byte, error) {
	blob, err := s.db.Get(currentKey(kind, path)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s", kind, path)
	}
	return blob, nil
}

func (s *RedisStore) GetVersion(_ context.Context, kind EntityKind, path string, version state.Timestamp) ([]byte, error) {
	blob, err := s.db.HGet(versionsKey(kind, path), version.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s at %s", kind, path, version)
	}
	return blob, nil
}

func (s *RedisStore) Store(_ context.Context, kind EntityKind, path string, version state.Timestamp, blob []byte) error {
	pipe := s.db.TxPipeline()
	pipe.Set(currentKey(kind, path), blob, 0)
	pipe.HSet(versionsKey(kind, path), version.String(), blob)
	pipe.ZAdd(indexKey(kind, path), redis.Z{Score: float64(version.UnixNano()), Member: version.String()})
	pipe.SAdd(kindSetKey(kind), path)
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrapf(err, "storing %s %s at %s", kind, path, version)
	}
	return s.trimVersions(kind, path)
}

// trimVersions drops the oldest versions beyond the retention limit.
func (s *RedisStore) trimVersions(kind EntityKind, path string) error {
	if s.maxVersions <= 0 {
		return nil
	}
	stale, err := s.db.ZRange(indexKey(kind, path), 0, int64(-s.maxVersions-1)).Result()
	if err != nil {
		return errors.Wrapf(err, "trimming versions of %s %s", kind, path)
	}
	if len(stale) == 0 {
		return nil
	}
	pipe := s.db.TxPipeline()
	fields := make([]string, len(stale))
	members := make([]interface{}, len(stale))
	for i, member := range stale {
		fields[i] = member
		members[i] = member
	}
	pipe.HDel(versionsKey(kind, path), fields...)
	pipe.ZRem(indexKey(kind, path), members...)
	_, err = pipe.Exec()
	return errors.Wrapf(err, "trimming versions of %s %s", kind, path)
}

func (s *RedisStore) DeleteCurrent(_ context.Context, kind EntityKind, path string) error {
	pipe := s.db.TxPipeline()
	pipe.Del(currentKey(kind, path))
	pipe.SRem(kindSetKey(kind), path)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "deleting current %s %s", kind, path)
}

func (s *RedisStore) DeleteVersion(_ context.Context, kind EntityKind, path string, version state.Timestamp) error {
	pipe := s.db.TxPipeline()
	pipe.HDel(versionsKey(kind, path), version.String())
	pipe.ZRem(indexKey(kind, path), version.String())
	_, err := pipe.Exec()
	return errors.Wrapf(err, "deleting %s %s at %s", kind, path, version)
}

func (s *RedisStore) DeleteAll(_ context.Context, kind EntityKind, path string) error {
	pipe := s.db.TxPipeline()
	pipe.Del(currentKey(kind, path))
	pipe.Del(versionsKey(kind, path))
	pipe.Del(indexKey(kind, path))
	pipe.SRem(kindSetKey(kind), path)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "deleting %s %s", kind, path)
}

func (s *RedisStore) Versions(_ context.Context, kind EntityKind, path string) ([]state.Timestamp, error) {
	members, err := s.db.ZRange(indexKey(kind, path), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "listing versions of %s %s", kind, path)
	}
	versions := make([]state.Timestamp, 0, len(members))
	for _, member := range members {
		version, err := state.ParseTimestamp(member)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing version %q of %s %s", member, kind, path)
		}
		versions = append(versions, version)
	}
	return versions, nil
}

func (s *RedisStore) IDs(_ context.Context, kind EntityKind) ([]string, error) {
	ids, err := s.db.SMembers(kindSetKey(kind)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "listing ids of kind %s", kind)
	}
	return ids, nil
}
