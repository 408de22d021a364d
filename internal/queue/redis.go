package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

const (
	defaultRedisPrefix  = "inspectq"
	defaultPollInterval = 250 * time.Millisecond
	promoteBatch        = 100
)

// claimScript promotes due retries into the pending list, pops the head and
// records it in the in-flight hash, all in one step.
//
// Entries are "<entryId>|<json>"; the entry id prefix keys the in-flight hash,
// so two entries for the same artifact hold separate claims.
//
// KEYS[1] = pending list key
// KEYS[2] = delayed zset key
// KEYS[3] = in-flight hash key
// ARGV[1] = now (unix millis)
// ARGV[2] = max promotions
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  if redis.call("ZREM", KEYS[2], m) == 1 then
    redis.call("RPUSH", KEYS[1], m)
  end
end
local m = redis.call("LPOP", KEYS[1])
if not m then
  return false
end
local sep = string.find(m, "|", 1, true)
if sep then
  redis.call("HSET", KEYS[3], string.sub(m, 1, sep - 1), m)
end
return m
`)

// recoverScript returns every in-flight entry to the pending list.
//
// KEYS[1] = in-flight hash key
// KEYS[2] = pending list key
var recoverScript = redis.NewScript(`
local vals = redis.call("HVALS", KEYS[1])
for _, m in ipairs(vals) do
  redis.call("RPUSH", KEYS[2], m)
end
redis.call("DEL", KEYS[1])
return #vals
`)

type RedisOptions struct {
	Prefix       string
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Redis keeps the queue in Redis so queued work, scheduled retries and
// per-backend delivery markers survive a restart. A single process is
// expected to consume a given prefix; Recover assumes every in-flight entry
// belongs to a dead consumer.
type Redis struct {
	rdb    *redis.Client
	prefix string
	poll   time.Duration
	now    func() time.Time
	logger *slog.Logger

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		poll:   poll,
		now:    now,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Redis) keyPending() string  { return q.prefix + ":pending" }
func (q *Redis) keyDelayed() string  { return q.prefix + ":delayed" }
func (q *Redis) keyInflight() string { return q.prefix + ":inflight" }
func (q *Redis) keyDead() string     { return q.prefix + ":dead" }

func (q *Redis) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func encodeEntry(msg domain.UploadMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return msg.EntryID + "|" + string(b), nil
}

func decodeEntry(entry string) (domain.UploadMessage, error) {
	var msg domain.UploadMessage
	_, body, ok := strings.Cut(entry, "|")
	if !ok {
		return msg, fmt.Errorf("malformed queue entry")
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

func (q *Redis) Enqueue(ctx context.Context, msg domain.UploadMessage) error {
	if q.closed() {
		return ErrClosed
	}
	msg.EnsureEntryID()
	entry, err := encodeEntry(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, q.keyPending(), entry).Err(); err != nil {
		return fmt.Errorf("redis RPUSH pending: %w", err)
	}
	signal(q.wake)
	return nil
}

// Schedule parks msg in the delayed set and drops its in-flight claim atomically.
func (q *Redis) Schedule(ctx context.Context, msg domain.UploadMessage, at time.Time) error {
	if q.closed() {
		return ErrClosed
	}
	claim := msg.EntryID
	msg.EnsureEntryID()
	entry, err := encodeEntry(msg)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, q.keyDelayed(), &redis.Z{Score: float64(at.UnixMilli()), Member: entry})
		if claim != "" {
			p.HDel(ctx, q.keyInflight(), claim)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis schedule: %w", err)
	}
	signal(q.wake)
	return nil
}

func (q *Redis) Ack(ctx context.Context, msg domain.UploadMessage) error {
	if msg.EntryID == "" {
		return nil
	}
	if err := q.rdb.HDel(ctx, q.keyInflight(), msg.EntryID).Err(); err != nil {
		return fmt.Errorf("redis HDEL inflight: %w", err)
	}
	return nil
}

// TryDequeue claims the next ready message or returns ErrEmpty.
func (q *Redis) TryDequeue(ctx context.Context) (domain.UploadMessage, error) {
	if q.closed() {
		return domain.UploadMessage{}, ErrClosed
	}
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keyPending(), q.keyDelayed(), q.keyInflight()},
		nowMs, promoteBatch).Result()
	if err == redis.Nil {
		return domain.UploadMessage{}, ErrEmpty
	}
	if err != nil {
		return domain.UploadMessage{}, fmt.Errorf("redis claim: %w", err)
	}
	entry, _ := res.(string)
	msg, err := decodeEntry(entry)
	if err != nil {
		q.quarantine(ctx, entry, err)
		return domain.UploadMessage{}, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return msg, nil
}

// quarantine drops the claim of an entry that cannot be decoded and parks the
// raw entry on the dead-letter list, so Recover does not replay it forever.
func (q *Redis) quarantine(ctx context.Context, entry string, cause error) {
	claim, _, _ := strings.Cut(entry, "|")
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if claim != "" {
			p.HDel(ctx, q.keyInflight(), claim)
		}
		p.RPush(ctx, q.keyDead(), entry)
		return nil
	})
	if err != nil {
		q.logger.Error("queue entry quarantine failed", "entry_id", claim, "cause", cause, "err", err)
		return
	}
	q.logger.Error("undecodable queue entry moved to dead letter", "entry_id", claim, "key", q.keyDead(), "err", cause)
}

func (q *Redis) Dequeue(ctx context.Context) (domain.UploadMessage, error) {
	for {
		msg, err := q.TryDequeue(ctx)
		if err == nil {
			return msg, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.UploadMessage{}, ctxErr
		}
		if errors.Is(err, errUndecodable) {
			continue
		}
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}

		wait := q.poll
		if next, ok, err := q.nextDue(ctx); err == nil && ok {
			if d := next.Sub(q.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.UploadMessage{}, ctx.Err()
		case <-q.done:
			timer.Stop()
			return domain.UploadMessage{}, ErrClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Redis) nextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.keyDelayed(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

// Recover requeues entries claimed by a consumer that never finished them.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb, []string{q.keyInflight(), q.keyPending()}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	if n > 0 {
		signal(q.wake)
	}
	return n, nil
}

func (q *Redis) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.keyPending())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	inflight := pipe.HLen(ctx, q.keyInflight())
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("redis stats: %w", err)
	}
	return domain.QueueStats{
		Backend:  "redis",
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
	}, nil
}

// Close wakes blocked consumers. The Redis client belongs to the caller.
func (q *Redis) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
