package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docmind/internal/util"
)

// ProcessJob is one delivery of a document-processing job. Attempt starts at
// 1 and increments on every requeue; the count travels inside the stream
// message, so a crashed consumer cannot reset it.
type ProcessJob struct {
	ID         string
	DocumentID string
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes one delivery. A nil return acks the message; an error
// requeues it with backoff until the attempt budget runs out.
type Handler func(ctx context.Context, job ProcessJob) error

// DeadLetterFunc runs once when a job exhausts its attempts, before the
// message is parked on the dead stream. The pipeline uses it to flip the
// document to failed so the owner sees a terminal status instead of a
// document stuck in processing.
type DeadLetterFunc func(ctx context.Context, job ProcessJob, cause error)

// RedisJobQueue is a Redis Streams work queue with a consumer group.
// Deliveries that keep failing end up on <stream>:dead.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	deadStream   string
	group        string
	consumerBase string
	maxAttempts  int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		deadStream:   stream + ":dead",
		group:        group,
		consumerBase: consumer,
		maxAttempts:  maxAttempts,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue adds a process job for the document at attempt 1.
func (q *RedisJobQueue) Enqueue(ctx context.Context, documentID string) (ProcessJob, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ProcessJob{}, errors.New("documentId required")
	}
	job := ProcessJob{
		ID:         util.NewID(),
		DocumentID: documentID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.add(ctx, q.stream, jobValues(job)); err != nil {
		return ProcessJob{}, err
	}
	return job, nil
}

// Start runs concurrency consumer loops until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler, deadLetter DeadLetterFunc) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := q.consumerBase + "-" + strconv.Itoa(i)
		go q.consumeLoop(ctx, consumer, handler, deadLetter)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", q.stream, "error", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler, deadLetter DeadLetterFunc) {
	for ctx.Err() == nil {
		// Pick up deliveries abandoned by a crashed consumer first.
		if stale, err := q.claimStale(ctx, consumer); err == nil {
			for _, msg := range stale {
				q.handleMessage(ctx, msg, handler, deadLetter)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				slog.Warn("read process jobs", "error", err)
				q.sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler, deadLetter)
			}
		}
	}
}

func (q *RedisJobQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return msgs, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler, deadLetter DeadLetterFunc) {
	job, ok := parseJob(msg)
	if !ok {
		slog.Warn("dropping malformed process job", "msg", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err := handler(ctx, job)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempt >= q.maxAttempts {
		slog.Error("process job out of attempts",
			"job", job.ID, "document", job.DocumentID, "attempts", job.Attempt, "error", err)
		if deadLetter != nil {
			deadLetter(ctx, job, err)
		}
		if parkErr := q.parkDead(ctx, job, err); parkErr != nil {
			slog.Error("park dead letter", "job", job.ID, "error", parkErr)
		}
		q.ackAndDel(ctx, msg.ID)
		return
	}
	slog.Warn("process job failed, requeueing",
		"job", job.ID, "document", job.DocumentID, "attempt", job.Attempt, "error", err)
	q.sleep(ctx, q.backoff(job.Attempt))
	if rqErr := q.requeueAndAck(ctx, msg.ID, job); rqErr != nil {
		slog.Error("requeue process job", "job", job.ID, "error", rqErr)
	}
}

// backoff grows linearly with the attempt count, capped at eight delays.
func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 8 {
		attempt = 8
	}
	return time.Duration(attempt) * q.retryDelay
}

func (q *RedisJobQueue) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds the job with an incremented attempt and removes the
// old delivery in one transaction, so a crash mid-requeue cannot lose it.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job ProcessJob) error {
	next := job
	next.Attempt++
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(next),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) parkDead(ctx context.Context, job ProcessJob, cause error) error {
	values := jobValues(job)
	values["error"] = cause.Error()
	values["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return q.add(ctx, q.deadStream, values)
}

func (q *RedisJobQueue) add(ctx context.Context, stream string, values map[string]any) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func jobValues(job ProcessJob) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"document_id": job.DocumentID,
		"attempt":     strconv.Itoa(job.Attempt),
		"enqueued_at": job.EnqueuedAt.Format(time.RFC3339Nano),
	}
}

func parseJob(msg redis.XMessage) (ProcessJob, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	documentID, _ := msg.Values["document_id"].(string)
	if jobID == "" || documentID == "" {
		return ProcessJob{}, false
	}
	job := ProcessJob{ID: jobID, DocumentID: documentID, Attempt: 1}
	if v, _ := msg.Values["attempt"].(string); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			job.Attempt = n
		}
	}
	if v, _ := msg.Values["enqueued_at"].(string); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.EnqueuedAt = t
		}
	}
	return job, true
}
