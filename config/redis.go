package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var RedisClient *redis.Client

// redisAddr returns the first of REDIS_ADDR, REDIS_URI, REDIS_URL that is set.
func redisAddr() string {
	for _, k := range []string{"REDIS_ADDR", "REDIS_URI", "REDIS_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// InitRedis connects the client backing the review queue, the event mirror,
// the review cache and, when selected, the session store. A plain host:port
// address reads REDIS_PASSWORD and REDIS_DB.
func InitRedis() error {
	val := redisAddr()
	if val == "" {
		return errors.New("REDIS_ADDR (or REDIS_URI/REDIS_URL) environment variable is not set")
	}

	var opt *redis.Options
	if strings.HasPrefix(val, "redis://") || strings.HasPrefix(val, "rediss://") {
		parsed, err := redis.ParseURL(val)
		if err != nil {
			return err
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: val, Password: os.Getenv("REDIS_PASSWORD")}
		if v := os.Getenv("REDIS_DB"); v != "" {
			db, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("REDIS_DB: %w", err)
			}
			opt.DB = db
		}
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}
	RedisClient = client
	return nil
}

// RedisConfigured reports whether any redis address variable is set.
func RedisConfigured() bool { return redisAddr() != "" }

// CloseRedis closes the client, if any.
func CloseRedis() error {
	if RedisClient == nil {
		return nil
	}
	return RedisClient.Close()
}
