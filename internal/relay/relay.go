// Package relay mirrors session events to Redis so that other processes can follow a match:
// every event is published on the session channel, the live leaderboard is kept in a sorted
// set and the final result is stored under its own key.
package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/telemetry"
)

const (
	DefaultResultTTL = 24 * time.Hour
	DefaultQueueSize = 256
)

type Config struct {
	Redis     redis.UniversalClient
	Prefix    string
	ResultTTL time.Duration
	QueueSize int
}

// Subscriber is where session events come from, a session.Machine in practice.
type Subscriber interface {
	Subscribe(name string, h event.Handler) (unsubscribe func())
}

type item struct {
	sessionID string
	e         event.Event
}

type Relay struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan item
}

func New(c Config) *Relay {
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}

	return &Relay{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.ResultTTL,
		now:    time.Now,
		queue:  make(chan item, c.QueueSize),
	}
}

var relayed = []string{
	domain.EventNameStatusChanged,
	domain.EventNameLeaderboard,
	domain.EventNameSessionEnd,
	domain.EventNameCommandFailed,
	domain.EventNameDisconnected,
}

// Attach mirrors the events of one session. Handlers only enqueue, they never wait for Redis.
func (r *Relay) Attach(sessionID string, s Subscriber) {
	for _, name := range relayed {
		s.Subscribe(name, func(_ context.Context, e event.Event) error {
			r.enqueue(item{sessionID: sessionID, e: e})
			return nil
		})
	}
}

func (r *Relay) enqueue(it item) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case r.queue <- it:
	default:
		telemetry.ObserveRelay(it.e.Name(), "dropped")
		slog.Warn("relay: queue full, drop event", "session", it.sessionID, "event", it.e.Name())
	}
}

// Run writes queued events to Redis until ctx is done or the relay is closed and drained.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it, ok := <-r.queue:
			if !ok {
				return nil
			}

			err := r.process(ctx, it)
			if err != nil {
				slog.ErrorContext(ctx, "relay: mirror event failed", "session", it.sessionID, "event", it.e.Name(), "error", err)
				telemetry.ObserveRelay(it.e.Name(), "failed")
				continue
			}
			telemetry.ObserveRelay(it.e.Name(), "ok")
		}
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.queue)
}

func (r *Relay) process(ctx context.Context, it item) error {
	id := it.sessionID

	switch e := it.e.(type) {
	case domain.EventStatusChanged:
		var eg errgroup.Group
		eg.Go(func() error {
			return r.publish(ctx, id, e.Name(), statusOf(id, e))
		})

		if e.To.Terminal() {
			eg.Go(func() error {
				return r.storeResult(ctx, resultOf(id, e.Snapshot, r.now()))
			})
			if len(e.Snapshot.Leaderboard) > 0 {
				eg.Go(func() error {
					return r.storeLeaderboard(ctx, id, e.Snapshot.Leaderboard)
				})
			}
		}
		return eg.Wait()

	case domain.EventLeaderboard:
		ranked := leaderboard.Rank(e.Entries)

		var eg errgroup.Group
		eg.Go(func() error {
			return r.publish(ctx, id, e.Name(), leaderboardOf(id, ranked))
		})
		eg.Go(func() error {
			return r.storeLeaderboard(ctx, id, ranked)
		})
		return eg.Wait()

	case domain.EventSessionEnd:
		return r.publish(ctx, id, e.Name(), End{SessionID: id, Winner: e.Winner, Detail: e.Detail})

	case domain.EventCommandFailed:
		return r.publish(ctx, id, e.Name(), Failure{SessionID: id, Command: e.Command, Error: errString(e.Err)})

	case domain.EventDisconnected:
		return r.publish(ctx, id, e.Name(), Failure{SessionID: id, Error: errString(e.Err)})
	}

	return nil
}

func (r *Relay) publish(ctx context.Context, sessionID, name string, data any) error {
	n := Notification{
		Event: name,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %v", name, err)
	}

	return r.redis.Publish(ctx, r.ChannelKey(sessionID), b).Err()
}

func (r *Relay) storeResult(ctx context.Context, res Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("relay: marshal result: %v", err)
	}

	if err := r.redis.Set(ctx, r.resultKey(res.SessionID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// storeLeaderboard replaces the standings of a session. The sorted set indexes members by score
// for other readers; the hash keeps the full entries, ties are decided by elapsed time.
func (r *Relay) storeLeaderboard(ctx context.Context, sessionID string, entries []domain.LeaderboardEntry) error {
	key, rows := r.leaderboardKey(sessionID), r.entriesKey(sessionID)

	fields := make([]any, 0, 2*len(entries))
	zs := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(storedEntryOf(e))
		if err != nil {
			return fmt.Errorf("relay: marshal entry: %v", err)
		}

		fields = append(fields, member(e), b)
		zs = append(zs, redis.Z{
			Score:  e.Score.InexactFloat64(),
			Member: member(e),
		})
	}

	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key, rows)
		if len(entries) == 0 {
			return nil
		}

		p.ZAdd(ctx, key, zs...)
		p.HSet(ctx, rows, fields...)
		p.Expire(ctx, key, r.ttl)
		p.Expire(ctx, rows, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store leaderboard: %w", err)
	}
	return nil
}

// Result returns the stored outcome of a finished session.
func (r *Relay) Result(ctx context.Context, sessionID string) (Result, error) {
	var res Result

	b, err := r.redis.Get(ctx, r.resultKey(sessionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return res, errors.New(errors.CodeNotFound, errors.WithMessagef("result not found: session=%s", sessionID))
	}
	if err != nil {
		return res, fmt.Errorf("get result: %w", err)
	}

	if err := json.Unmarshal(b, &res); err != nil {
		return res, errors.New(errors.CodeMalformed, errors.WithCause(err), errors.WithMessagef("result: session=%s", sessionID))
	}
	return res, nil
}

// Leaderboard returns the last mirrored standings of a session, ranked.
func (r *Relay) Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	rows, err := r.redis.HGetAll(ctx, r.entriesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(rows) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", sessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for name, row := range rows {
		var e storedEntry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			return nil, errors.New(errors.CodeMalformed, errors.WithCause(err), errors.WithMessagef("leaderboard: session=%s member=%s", sessionID, name))
		}
		entries = append(entries, e.domain())
	}

	return leaderboard.Rank(entries), nil
}

// ChannelKey is the pub/sub channel a session's notifications are published on.
func (r *Relay) ChannelKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, sessionID)
}

func (r *Relay) resultKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:result", r.prefix, sessionID)
}

func (r *Relay) leaderboardKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:leaderboard", r.prefix, sessionID)
}

func (r *Relay) entriesKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:leaderboard:entries", r.prefix, sessionID)
}

func member(e domain.LeaderboardEntry) string {
	if e.Username != "" {
		return e.Username
	}
	return e.ParticipantID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
