// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package redis adapts github.com/go-redis/redis/v8 to the store.DurableStore
// contract: per-filter hashes, the global filter set, and per-client topic sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/go-redis/redis/v8"

	"github.com/CarlKong/mqttx/store"
)

// defaultAddr is the default address of the redis service.
const defaultAddr = "localhost:6379"

// Options contains configuration settings for connecting to redis.
type Options struct {
	Options *redis.Options
	Log     *slog.Logger
}

// Store is a store.DurableStore backed by a Redis hash/set instance.
type Store struct {
	log *slog.Logger
	db  *redis.Client
}

// Open connects to the redis service described by opts and returns a ready Store.
func Open(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Options == nil {
		opts.Options = &redis.Options{Addr: defaultAddr}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	log.Info("connecting to redis service", "address", opts.Options.Addr, "db", opts.Options.DB)

	db := redis.NewClient(opts.Options)
	if _, err := db.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("connected to redis service")

	return &Store{log: log, db: db}, nil
}

// Close disconnects from the redis service.
func (s *Store) Close() error {
	s.log.Info("disconnecting from redis service")
	return s.db.Close()
}

// HashPut sets field=value in the hash stored at key.
func (s *Store) HashPut(ctx context.Context, key, field, value string) error {
	if err := s.db.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HashRemove deletes field from the hash stored at key.
func (s *Store) HashRemove(ctx context.Context, key, field string) error {
	if err := s.db.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("hdel %s/%s: %w", key, field, err)
	}
	return nil
}

// HashEntries returns every field/value pair in the hash stored at key.
func (s *Store) HashEntries(ctx context.Context, key string) ([]store.Entry, error) {
	rows, err := s.db.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}

	out := make([]store.Entry, 0, len(rows))
	for field, value := range rows {
		out = append(out, store.Entry{Field: field, Value: value})
	}
	return out, nil
}

// SetAdd adds member to the set stored at key.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	if err := s.db.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes one or more members from the set stored at key.
func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.db.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SetMembers returns every member of the set stored at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.db.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// Delete removes key entirely.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
