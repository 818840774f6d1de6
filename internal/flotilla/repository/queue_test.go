package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

func TestEnqueueClaimAck(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		job := testJob("j1", "m1", "")
		offset, err := q.Enqueue(job)
		require.NoError(t, err)
		assert.NotEmpty(t, offset)

		entries, err := q.Claim("m1", "consumer-1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "j1", entries[0].JobId)
		assert.Equal(t, "m1", entries[0].Kind)
		assert.Equal(t, []byte("payload-j1"), entries[0].Payload)
		assert.Equal(t, 1, entries[0].DeliveryCount)
		assert.Equal(t, "consumer-1", entries[0].ConsumerId)

		err = q.Ack("m1", entries[0].StreamOffset)
		require.NoError(t, err)

		// acked entries are gone for everyone
		entries, err = q.Claim("m1", "consumer-2", 10)
		require.NoError(t, err)
		assert.Empty(t, entries)

		stale, err := q.ListStale("m1", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestClaimDeliversEachEntryToOneConsumer(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		for _, id := range []string{"j1", "j2", "j3"} {
			_, err := q.Enqueue(testJob(id, "m1", ""))
			require.NoError(t, err)
		}

		first, err := q.Claim("m1", "consumer-1", 2)
		require.NoError(t, err)
		second, err := q.Claim("m1", "consumer-2", 10)
		require.NoError(t, err)

		require.Len(t, first, 2)
		require.Len(t, second, 1)
		assert.Equal(t, "j1", first[0].JobId)
		assert.Equal(t, "j2", first[1].JobId)
		assert.Equal(t, "j3", second[0].JobId)
	})
}

func TestKindsArePartitioned(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		_, err := q.Enqueue(testJob("j1", "m1", ""))
		require.NoError(t, err)
		_, err = q.Enqueue(testJob("j2", "m2", "lora-1"))
		require.NoError(t, err)

		kinds, err := q.Kinds()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"m1", "m2::lora-1"}, kinds)

		entries, err := q.Claim("m2::lora-1", "consumer-1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "j2", entries[0].JobId)
	})
}

func TestListStaleAfterIdleThreshold(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		_, err := q.Enqueue(testJob("j1", "m1", ""))
		require.NoError(t, err)

		_, err = q.Claim("m1", "consumer-1", 10)
		require.NoError(t, err)

		// not yet stale
		stale, err := q.ListStale("m1", 30*time.Second, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		mr.FastForward(time.Minute)

		stale, err = q.ListStale("m1", 30*time.Second, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "j1", stale[0].JobId)
		assert.Equal(t, "consumer-1", stale[0].ConsumerId)
		assert.Equal(t, 1, stale[0].DeliveryCount)
	})
}

func TestRequeueRedeliversWithBumpedCount(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		_, err := q.Enqueue(testJob("j2", "m1", ""))
		require.NoError(t, err)

		_, err = q.Claim("m1", "crashed-consumer", 10)
		require.NoError(t, err)
		mr.FastForward(time.Minute)

		stale, err := q.ListStale("m1", 30*time.Second, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)

		_, err = q.Requeue("m1", stale[0])
		require.NoError(t, err)

		// the old offset is no longer pending
		stale, err = q.ListStale("m1", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		entries, err := q.Claim("m1", "consumer-2", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "j2", entries[0].JobId)
		assert.Equal(t, 2, entries[0].DeliveryCount)
		assert.Equal(t, []byte("payload-j2"), entries[0].Payload)
	})
}

func TestDeadLetterCarriesErrorAndRetries(t *testing.T) {
	withJobQueue(func(mr *miniredis.Miniredis, q *RedisJobQueue) {
		_, err := q.Enqueue(testJob("j3", "m1", ""))
		require.NoError(t, err)

		_, err = q.Claim("m1", "crashed-consumer", 10)
		require.NoError(t, err)
		mr.FastForward(time.Minute)

		stale, err := q.ListStale("m1", 30*time.Second, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)

		err = q.DeadLetter(stale[0], "worker crashed", 4)
		require.NoError(t, err)

		dead, err := q.ListDeadLetters(10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "j3", dead[0].JobId)
		assert.Equal(t, "worker crashed", dead[0].LastError)
		assert.Equal(t, 4, dead[0].TotalRetries)
		assert.Equal(t, []byte("payload-j3"), dead[0].Payload)

		// the source partition no longer has the entry
		stale, err = q.ListStale("m1", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
		entries, err := q.Claim("m1", "consumer-2", 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestQueueFailsFastWhenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisJobQueue(client, 0, 100)

	_, err = q.Enqueue(testJob("j1", "m1", ""))
	require.NoError(t, err)

	mr.Close()

	_, err = q.Enqueue(testJob("j2", "m1", ""))
	require.Error(t, err)
	assert.True(t, flotillaerrors.IsRetryable(err))

	_, err = q.Claim("m1", "consumer-1", 1)
	require.Error(t, err)
	assert.True(t, flotillaerrors.IsRetryable(err))
}

func testJob(id string, modelId string, adapterId string) *domain.Job {
	return &domain.Job{
		JobId:     id,
		ModelId:   modelId,
		AdapterId: adapterId,
		Payload:   []byte("payload-" + id),
		Status:    domain.JobPending,
	}
}

func withJobQueue(action func(mr *miniredis.Miniredis, q *RedisJobQueue)) {
	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(mr, NewRedisJobQueue(client, 0, 1000))
}
