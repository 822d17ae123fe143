package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// Redis key layout, all under "<prefix>:<name>:":
//
//	job:<id>    hash with the job fields
//	waiting     sorted set, score orders delivery (priority band + sequence)
//	delayed     sorted set, score is the due time in unix ms
//	active      sorted set, score is the claim time
//	completed   sorted set, score is the finish time
//	failed      sorted set, score is the finish time
//	seq         insertion counter
//	added       pub/sub channel poked on every Add
type keyspace struct {
	base string
}

func (k keyspace) job(id types.JobID) string { return k.base + "job:" + string(id) }
func (k keyspace) jobPrefix() string         { return k.base + "job:" }
func (k keyspace) seq() string               { return k.base + "seq" }
func (k keyspace) added() string             { return k.base + "added" }

func (k keyspace) state(s types.JobState) string { return k.base + string(s) }

var allStates = []types.JobState{
	types.StateWaiting, types.StateDelayed, types.StateActive, types.StateCompleted, types.StateFailed,
}

// Priority bands are wide enough that sequence numbers never cross them.
const (
	bandWidth = 1e12
	bandMid   = 5e11
)

func waitScore(opts types.JobOptions, seq int64) float64 {
	base := float64(opts.Priority)*bandWidth + bandMid
	if opts.LIFO {
		return base - float64(seq)
	}
	return base + float64(seq)
}

var addScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'state', ARGV[3], 'wscore', ARGV[4],
  'created_at', ARGV[5], 'updated_at', ARGV[5], 'process_at', ARGV[6],
  'attempts_made', '0', 'token', '0', 'failed_reason', '', 'finished_at', '0')
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return 1
`)

var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local k = ARGV[2] .. id
  redis.call('ZREM', KEYS[2], id)
  local s = redis.call('HGET', k, 'wscore')
  if s then
    redis.call('ZADD', KEYS[1], s, id)
    redis.call('HSET', k, 'state', 'waiting', 'updated_at', ARGV[1])
  end
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
local k = ARGV[2] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', k, 'state', 'active', 'updated_at', ARGV[1])
local token = redis.call('HINCRBY', k, 'token', 1)
return {id, tostring(token)}
`)

var finishScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
if ARGV[7] == '1' then
  redis.call('DEL', KEYS[3])
  return 1
end
local score = ARGV[4]
if score == '' then score = redis.call('HGET', KEYS[3], 'wscore') end
redis.call('ZADD', KEYS[2], score, ARGV[1])
redis.call('HSET', KEYS[3], 'state', ARGV[3], 'updated_at', ARGV[5], 'process_at', ARGV[9])
if ARGV[6] ~= '' then redis.call('HSET', KEYS[3], 'failed_reason', ARGV[6]) end
if ARGV[8] ~= '0' then redis.call('HINCRBY', KEYS[3], 'attempts_made', ARGV[8]) end
if ARGV[3] == 'completed' or ARGV[3] == 'failed' then redis.call('HSET', KEYS[3], 'finished_at', ARGV[5]) end
return 1
`)

var moveToFailedScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[6]) == 0 then return 0 end
for i = 1, 4 do redis.call('ZREM', KEYS[i], ARGV[1]) end
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[6], 'state', 'failed', 'failed_reason', ARGV[3], 'updated_at', ARGV[2], 'finished_at', ARGV[2])
redis.call('HINCRBY', KEYS[6], 'token', 1)
return 1
`)

var cleanScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
  local k = ARGV[2] .. id
  local u = tonumber(redis.call('HGET', k, 'updated_at') or '0')
  if u <= tonumber(ARGV[1]) then
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', k)
    n = n + 1
  end
end
return n
`)

// jobData is the immutable part of a job, stored as JSON in the hash.
type jobData struct {
	Payload map[string]interface{} `json:"payload"`
	Options types.JobOptions       `json:"options"`
}

// Redis is an Engine backed by Redis, shared by every node of a cluster.
type Redis struct {
	client goredis.UniversalClient
	keys   keyspace
	poll   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	pool   *pool
	sub    *goredis.PubSub
	cancel context.CancelFunc
	closed bool
}

// RedisOption configures a Redis engine.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// WithRedisPollInterval sets how often the queue is polled when no Add
// notification arrives.
func WithRedisPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.poll = d }
}

// NewRedis creates a Redis engine for queue name under prefix. The caller
// owns the client.
func NewRedis(client goredis.UniversalClient, prefix, name string, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		keys:   keyspace{base: prefix + ":" + name + ":"},
		poll:   250 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "queue", "engine", "redis", "queue", name)
	return r
}

// Add implements Engine.
func (r *Redis) Add(ctx context.Context, payload map[string]interface{}, opts types.JobOptions) (*types.Job, error) {
	opts = normalizeOptions(opts)
	id := opts.JobID
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	opts.JobID = id

	seq, err := r.client.Incr(ctx, r.keys.seq()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job sequence: %w", err)
	}

	data, err := json.Marshal(jobData{Payload: payload, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	now := time.Now()
	state := types.StateWaiting
	processAt := now
	wscore := waitScore(opts, seq)
	zscore := wscore
	if opts.Delay > 0 {
		state = types.StateDelayed
		processAt = now.Add(opts.Delay)
		zscore = float64(processAt.UnixMilli())
	}

	_, err = addScript.Run(ctx, r.client,
		[]string{r.keys.job(id), r.keys.state(state)},
		string(id), data, string(state), formatScore(wscore), now.UnixMilli(), processAt.UnixMilli(), formatScore(zscore),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to add job %s: %w", id, err)
	}

	if err := r.client.Publish(ctx, r.keys.added(), string(id)).Err(); err != nil {
		r.logger.Warn("Failed to announce added job", "job", id, "error", err)
	}
	return r.GetJob(ctx, id)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// GetJob implements Engine.
func (r *Redis) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	vals, err := r.client.HGetAll(ctx, r.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(id, vals)
}

func mapToJob(id types.JobID, vals map[string]string) (*types.Job, error) {
	var data jobData
	if err := json.Unmarshal([]byte(vals["data"]), &data); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		return n
	}
	return &types.Job{
		ID:           id,
		Payload:      data.Payload,
		Options:      data.Options,
		State:        types.JobState(vals["state"]),
		AttemptsMade: int(atoi("attempts_made")),
		FailedReason: vals["failed_reason"],
		CreatedAt:    atoi("created_at"),
		UpdatedAt:    atoi("updated_at"),
		ProcessAt:    atoi("process_at"),
		FinishedAt:   atoi("finished_at"),
	}, nil
}

// List implements Engine.
func (r *Redis) List(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	if len(states) == 0 {
		states = allStates
	}
	var jobs []*types.Job
	for _, s := range states {
		ids, err := r.client.ZRange(ctx, r.keys.state(s), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s jobs: %w", s, err)
		}
		for _, id := range ids {
			j, err := r.GetJob(ctx, types.JobID(id))
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// GetJobCounts implements Engine.
func (r *Redis) GetJobCounts(ctx context.Context) (types.JobCounts, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[types.JobState]*goredis.IntCmd, len(allStates))
	for _, s := range allStates {
		cmds[s] = pipe.ZCard(ctx, r.keys.state(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.JobCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return types.JobCounts{
		Active:    int(cmds[types.StateActive].Val()),
		Waiting:   int(cmds[types.StateWaiting].Val()),
		Delayed:   int(cmds[types.StateDelayed].Val()),
		Completed: int(cmds[types.StateCompleted].Val()),
		Failed:    int(cmds[types.StateFailed].Val()),
	}, nil
}

// Clean implements Engine.
func (r *Redis) Clean(ctx context.Context, olderThan time.Duration, state types.JobState) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	n, err := cleanScript.Run(ctx, r.client, []string{r.keys.state(state)}, cutoff, r.keys.jobPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}
	return n, nil
}

// MoveToFailed implements Engine.
func (r *Redis) MoveToFailed(ctx context.Context, id types.JobID, reason error) error {
	keys := make([]string, 0, 6)
	for _, s := range []types.JobState{types.StateWaiting, types.StateDelayed, types.StateActive, types.StateCompleted, types.StateFailed} {
		keys = append(keys, r.keys.state(s))
	}
	keys = append(keys, r.keys.job(id))

	n, err := moveToFailedScript.Run(ctx, r.client, keys, string(id), time.Now().UnixMilli(), reasonOf(reason)).Int()
	if err != nil {
		return fmt.Errorf("failed to move job %s to failed: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Process implements Engine.
func (r *Redis) Process(ctx context.Context, concurrency int, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.pool != nil {
		return ErrAlreadyProcessing
	}

	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)
	sub := r.client.Subscribe(ctx, r.keys.added())
	r.sub = sub
	go func() {
		for range sub.Channel() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	r.cancel = cancel
	r.pool = newPool(r.claim, wake, r.poll, concurrency, h, r.logger)
	r.pool.start(ctx)
	return nil
}

func (r *Redis) claim(ctx context.Context) (*types.Job, *delivery, error) {
	now := time.Now().UnixMilli()
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.keys.state(types.StateWaiting), r.keys.state(types.StateDelayed), r.keys.state(types.StateActive)},
		now, r.keys.jobPrefix(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("unexpected claim reply %v", res)
	}

	id := types.JobID(res[0])
	token := res[1]
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	d := &delivery{
		done:  func(err error) error { return r.finish(job, token, err) },
		retry: func(after time.Duration) error { return r.reschedule(job, token, after) },
	}
	return job, d, nil
}

// settle moves an active job to state. An empty score keeps the job's
// waiting score.
func (r *Redis) settle(job *types.Job, token string, state types.JobState, score string, reason string, remove bool, attemptsDelta int, processAt int64) error {
	removeArg := "0"
	if remove {
		removeArg = "1"
	}
	now := time.Now().UnixMilli()
	// Settling runs after the delivery context is gone, so it gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := finishScript.Run(ctx, r.client,
		[]string{r.keys.state(types.StateActive), r.keys.state(state), r.keys.job(job.ID)},
		string(job.ID), token, string(state), score, now, reason, removeArg, attemptsDelta, processAt,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to settle job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

func (r *Redis) finish(job *types.Job, token string, jobErr error) error {
	now := time.Now()
	if jobErr == nil {
		return r.settle(job, token, types.StateCompleted, formatScore(float64(now.UnixMilli())), "", job.Options.RemoveOnComplete, 0, now.UnixMilli())
	}

	attempts := job.AttemptsMade + 1
	state, at := settleFailure(job.Options, attempts, now)
	if state == types.StateFailed {
		r.logger.Warn("Job failed", "job", job.ID, "attempts", attempts, "reason", jobErr)
		return r.settle(job, token, state, formatScore(float64(now.UnixMilli())), reasonOf(jobErr), job.Options.RemoveOnFail, 1, now.UnixMilli())
	}
	return r.settle(job, token, state, formatScore(float64(at.UnixMilli())), reasonOf(jobErr), false, 1, at.UnixMilli())
}

func (r *Redis) reschedule(job *types.Job, token string, after time.Duration) error {
	now := time.Now()
	if after <= 0 {
		if err := r.settle(job, token, types.StateWaiting, "", "", false, 0, now.UnixMilli()); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.client.Publish(ctx, r.keys.added(), string(job.ID)).Err(); err != nil {
			r.logger.Warn("Failed to announce returned job", "job", job.ID, "error", err)
		}
		return nil
	}
	at := now.Add(after).UnixMilli()
	return r.settle(job, token, types.StateDelayed, formatScore(float64(at)), "", false, 0, at)
}

// Close implements Engine. The Redis client is left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	p, sub, cancel := r.pool, r.sub, r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.stop()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}
