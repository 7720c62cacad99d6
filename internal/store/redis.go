package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func countKey(studentID, sectionID int64) string {
	return fmt.Sprintf("clubcheck:counts:%d:%d", studentID, sectionID)
}

// IncrAttendanceCount bumps the running per-(student, section) counter kept by the worker.
func (r *Redis) IncrAttendanceCount(ctx context.Context, studentID, sectionID int64) (int64, error) {
	return r.Client.Incr(ctx, countKey(studentID, sectionID)).Result()
}

// AttendanceCount reads the running counter; missing keys count as zero.
func (r *Redis) AttendanceCount(ctx context.Context, studentID, sectionID int64) (int64, error) {
	val, err := r.Client.Get(ctx, countKey(studentID, sectionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
