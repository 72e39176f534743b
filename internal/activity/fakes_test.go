package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"github.com/redis/go-redis/v9"
)

type recordedIncrement struct {
	userID  string
	counter stats.Counter
}

type fakeStats struct {
	mu         sync.Mutex
	increments []recordedIncrement
	err        error
}

func (f *fakeStats) Increment(_ context.Context, userID string, counter stats.Counter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.increments = append(f.increments, recordedIncrement{userID: userID, counter: counter})
	return nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	activities []quests.Activity
	outcome    quests.ActivityOutcome
	err        error
}

func (f *fakeRecorder) RecordActivity(_ context.Context, activity quests.Activity) (quests.ActivityOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return f.outcome, f.err
}

type fakeHandler struct {
	calls int
	err   error
}

func (f *fakeHandler) Handle(context.Context, Event) (quests.ActivityOutcome, error) {
	f.calls++
	return quests.ActivityOutcome{}, f.err
}

type outcomeHandler struct {
	outcome quests.ActivityOutcome
	err     error
}

func (o *outcomeHandler) Handle(context.Context, Event) (quests.ActivityOutcome, error) {
	return o.outcome, o.err
}

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	failing bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

var errRedisDown = errors.New("redis: connection refused")

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewBoolResult(false, errRedisDown)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStatusResult("", errRedisDown)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errRedisDown)
	}
	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.rejects++
	f.requeue = requeue
	return nil
}
