package repository

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

const queueStreamPrefix = "Queue:Stream:"
const queueKindsKey = "Queue:Kinds"
const deadLetterStreamKey = "Queue:DeadLetter"
const consumerGroup = "workers"

const jobIdKey = "job_id"
const kindKey = "kind"
const payloadKey = "payload"
const deliveryCountKey = "delivery_count"
const lastErrorKey = "last_error"
const totalRetriesKey = "total_retries"

// PendingEntry is a claimed-but-unacknowledged entry reported by ListStale.
type PendingEntry struct {
	domain.QueueEntry
	Idle time.Duration
}

type JobQueue interface {
	Enqueue(job *domain.Job) (string, error)
	Claim(kind string, consumerId string, count int64) ([]*domain.QueueEntry, error)
	Ack(kind string, streamOffset string) error
	ListStale(kind string, idleThreshold time.Duration, limit int64) ([]*PendingEntry, error)
	Requeue(kind string, entry *PendingEntry) (string, error)
	DeadLetter(entry *PendingEntry, lastError string, totalRetries int) error
	ListDeadLetters(limit int64) ([]*domain.DeadLetterEntry, error)
	Kinds() ([]string, error)
}

// RedisJobQueue is the durable job queue: one stream per job kind with a
// single consumer group, plus a dead-letter stream. Entries carry the wire
// fields {job_id, kind, payload, delivery_count}; the delivery count stored
// in the entry body is the number of completed deliveries, so a reclaimed
// entry is re-appended with the count bumped and the next claim observes it.
type RedisJobQueue struct {
	db redis.UniversalClient
	// How long Claim blocks waiting for entries; non-positive disables blocking
	claimBlock time.Duration
	// Dead-letter stream length bound
	deadLetterMaxLen int64

	groupsCreated sync.Map
}

func NewRedisJobQueue(db redis.UniversalClient, claimBlock time.Duration, deadLetterMaxLen int64) *RedisJobQueue {
	return &RedisJobQueue{
		db:               db,
		claimBlock:       claimBlock,
		deadLetterMaxLen: deadLetterMaxLen,
	}
}

func streamKey(kind string) string {
	return queueStreamPrefix + kind
}

func (q *RedisJobQueue) Enqueue(job *domain.Job) (string, error) {
	kind := job.Kind().String()
	if err := q.ensureGroup(kind); err != nil {
		return "", err
	}

	pipe := q.db.TxPipeline()
	pipe.SAdd(queueKindsKey, kind)
	add := pipe.XAdd(&redis.XAddArgs{
		Stream: streamKey(kind),
		Values: map[string]interface{}{
			jobIdKey:         job.JobId,
			kindKey:          kind,
			payloadKey:       string(job.Payload),
			deliveryCountKey: 0,
		},
	})
	if _, err := pipe.Exec(); err != nil {
		return "", transientRedis(err)
	}
	return add.Val(), nil
}

func (q *RedisJobQueue) Claim(kind string, consumerId string, count int64) ([]*domain.QueueEntry, error) {
	if err := q.ensureGroup(kind); err != nil {
		return nil, err
	}

	block := q.claimBlock
	if block <= 0 {
		block = -1
	}
	cmd, err := q.db.XReadGroup(&redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerId,
		Streams:  []string{streamKey(kind), ">"},
		Count:    count,
		Block:    block,
	}).Result()

	// redis signals an empty read by Nil
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, transientRedis(err)
	}

	now := time.Now()
	entries := make([]*domain.QueueEntry, 0, count)
	for _, stream := range cmd {
		for _, m := range stream.Messages {
			entry, err := entryFromMessage(m)
			if err != nil {
				return nil, err
			}
			// this read is one more delivery on top of those already completed
			entry.DeliveryCount++
			entry.ConsumerId = consumerId
			entry.FirstClaimedAt = now
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (q *RedisJobQueue) Ack(kind string, streamOffset string) error {
	pipe := q.db.TxPipeline()
	pipe.XAck(streamKey(kind), consumerGroup, streamOffset)
	pipe.XDel(streamKey(kind), streamOffset)
	if _, err := pipe.Exec(); err != nil {
		return transientRedis(err)
	}
	return nil
}

// ListStale returns claimed entries whose consumer has not acknowledged them
// within idleThreshold. The returned delivery counts include the stale
// delivery itself.
func (q *RedisJobQueue) ListStale(kind string, idleThreshold time.Duration, limit int64) ([]*PendingEntry, error) {
	if err := q.ensureGroup(kind); err != nil {
		return nil, err
	}

	pending, err := q.db.XPendingExt(&redis.XPendingExtArgs{
		Stream: streamKey(kind),
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  limit,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, transientRedis(err)
	}

	stale := make([]*PendingEntry, 0)
	for _, p := range pending {
		if p.Idle < idleThreshold {
			continue
		}
		messages, err := q.db.XRange(streamKey(kind), p.Id, p.Id).Result()
		if err != nil {
			return nil, transientRedis(err)
		}
		if len(messages) == 0 {
			// body already deleted, drop the dangling pending entry
			if err := q.Ack(kind, p.Id); err != nil {
				return nil, err
			}
			continue
		}
		entry, err := entryFromMessage(messages[0])
		if err != nil {
			return nil, err
		}
		entry.DeliveryCount++
		entry.ConsumerId = p.Consumer
		entry.FirstClaimedAt = time.Now().Add(-p.Idle)
		stale = append(stale, &PendingEntry{QueueEntry: *entry, Idle: p.Idle})
	}
	return stale, nil
}

// Requeue makes a stale entry available to any consumer again. The copy is
// appended with the bumped delivery count and the stale offset is removed, so
// the entry is redelivered by an ordinary claim.
func (q *RedisJobQueue) Requeue(kind string, entry *PendingEntry) (string, error) {
	pipe := q.db.TxPipeline()
	add := pipe.XAdd(&redis.XAddArgs{
		Stream: streamKey(kind),
		Values: map[string]interface{}{
			jobIdKey:         entry.JobId,
			kindKey:          kind,
			payloadKey:       string(entry.Payload),
			deliveryCountKey: entry.DeliveryCount,
		},
	})
	pipe.XAck(streamKey(kind), consumerGroup, entry.StreamOffset)
	pipe.XDel(streamKey(kind), entry.StreamOffset)
	if _, err := pipe.Exec(); err != nil {
		return "", transientRedis(err)
	}
	return add.Val(), nil
}

// DeadLetter routes an entry to the dead-letter stream instead of redelivering it.
func (q *RedisJobQueue) DeadLetter(entry *PendingEntry, lastError string, totalRetries int) error {
	kind := entry.Kind
	pipe := q.db.TxPipeline()
	pipe.XAdd(&redis.XAddArgs{
		Stream:       deadLetterStreamKey,
		MaxLenApprox: q.deadLetterMaxLen,
		Values: map[string]interface{}{
			jobIdKey:         entry.JobId,
			kindKey:          kind,
			payloadKey:       string(entry.Payload),
			deliveryCountKey: entry.DeliveryCount,
			lastErrorKey:     lastError,
			totalRetriesKey:  totalRetries,
		},
	})
	pipe.XAck(streamKey(kind), consumerGroup, entry.StreamOffset)
	pipe.XDel(streamKey(kind), entry.StreamOffset)
	if _, err := pipe.Exec(); err != nil {
		return transientRedis(err)
	}
	return nil
}

func (q *RedisJobQueue) ListDeadLetters(limit int64) ([]*domain.DeadLetterEntry, error) {
	messages, err := q.db.XRevRangeN(deadLetterStreamKey, "+", "-", limit).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, transientRedis(err)
	}

	entries := make([]*domain.DeadLetterEntry, 0, len(messages))
	for _, m := range messages {
		entry, err := entryFromMessage(m)
		if err != nil {
			return nil, err
		}
		dead := &domain.DeadLetterEntry{QueueEntry: *entry}
		if s, ok := m.Values[lastErrorKey].(string); ok {
			dead.LastError = s
		}
		if s, ok := m.Values[totalRetriesKey].(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				dead.TotalRetries = n
			}
		}
		entries = append(entries, dead)
	}
	return entries, nil
}

func (q *RedisJobQueue) Kinds() ([]string, error) {
	kinds, err := q.db.SMembers(queueKindsKey).Result()
	if err != nil {
		return nil, transientRedis(err)
	}
	return kinds, nil
}

func (q *RedisJobQueue) Check() error {
	return q.db.Ping().Err()
}

func (q *RedisJobQueue) ensureGroup(kind string) error {
	if _, ok := q.groupsCreated.Load(kind); ok {
		return nil
	}
	err := q.db.XGroupCreateMkStream(streamKey(kind), consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return transientRedis(err)
	}
	q.groupsCreated.Store(kind, true)
	return nil
}

func entryFromMessage(m redis.XMessage) (*domain.QueueEntry, error) {
	entry := &domain.QueueEntry{StreamOffset: m.ID}

	jobId, ok := m.Values[jobIdKey].(string)
	if !ok {
		return nil, fmt.Errorf("[RedisJobQueue] entry %s carries no job id", m.ID)
	}
	entry.JobId = jobId

	if s, ok := m.Values[kindKey].(string); ok {
		entry.Kind = s
	}
	if s, ok := m.Values[payloadKey].(string); ok {
		entry.Payload = []byte(s)
	}
	if s, ok := m.Values[deliveryCountKey].(string); ok {
		count, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("[RedisJobQueue] entry %s carries malformed delivery count %q", m.ID, s)
		}
		entry.DeliveryCount = count
	}
	return entry, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func transientRedis(err error) error {
	return errors.WithStack(&flotillaerrors.ErrTransientInfra{Source: "redis", Inner: err})
}
