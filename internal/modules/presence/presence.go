package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	redisc "github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

const (
	onlineZSet     = "gate:online:z"
	eventZSetFmt   = "gate:online:z:event:%s"
	minEventKeyTTL = 300 * time.Second
)

// Store tracks real-time viewer presence in Redis sorted sets. Membership
// score is the absolute expiry epoch second ("online until"); every write and
// count opportunistically prunes entries whose score has passed, so no
// dedicated expiry sweep is needed and staleness is bounded by one TTL
// window. All answers are advisory: the durable store alone is authoritative
// for session state.
type Store struct {
	rc     *redisc.Client
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(rc *redisc.Client, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{rc: rc, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func eventZSet(eventID string) string { return fmt.Sprintf(eventZSetFmt, eventID) }

// MarkOnline upserts the session into the global online set with
// score = now + ttl and prunes expired members.
func (s *Store) MarkOnline(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := s.now().Unix()
	p := s.rc.Raw().Pipeline()
	p.ZAdd(ctx, onlineZSet, redis.Z{Score: float64(now + int64(ttl.Seconds())), Member: sessionID})
	p.ZRemRangeByScore(ctx, onlineZSet, "-inf", fmt.Sprintf("%d", now))
	_, err := p.Exec(ctx)
	return err
}

// MarkOffline removes the session immediately. Best-effort: passive score
// expiry already covers correctness, this just tightens the CCU estimate on
// explicit disconnect.
func (s *Store) MarkOffline(ctx context.Context, sessionID string) error {
	return s.rc.Raw().ZRem(ctx, onlineZSet, sessionID).Err()
}

// IsOnline reports whether the session's score is still in the future.
func (s *Store) IsOnline(ctx context.Context, sessionID string) (bool, error) {
	score, err := s.rc.Raw().ZScore(ctx, onlineZSet, sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return score > float64(s.now().Unix()), nil
}

// CCUEstimate prunes expired members then counts the remainder. Approximate
// and eventually consistent by design; concurrent writers may skew it by a
// few entries within one TTL window.
func (s *Store) CCUEstimate(ctx context.Context) (int, error) {
	now := s.now().Unix()
	p := s.rc.Raw().Pipeline()
	p.ZRemRangeByScore(ctx, onlineZSet, "-inf", fmt.Sprintf("%d", now))
	count := p.ZCount(ctx, onlineZSet, fmt.Sprintf("%d", now), "+inf")
	if _, err := p.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

// MarkEventOnline upserts the session into the event-scoped set, refreshes
// the set's own key TTL so abandoned event sets self-clean, and returns the
// post-prune member count for the event.
func (s *Store) MarkEventOnline(ctx context.Context, sessionID, eventID string, ttl time.Duration) (int, error) {
	key := eventZSet(eventID)
	now := s.now().Unix()
	keyTTL := 2 * ttl
	if keyTTL < minEventKeyTTL {
		keyTTL = minEventKeyTTL
	}

	p := s.rc.Raw().Pipeline()
	p.ZAdd(ctx, key, redis.Z{Score: float64(now + int64(ttl.Seconds())), Member: sessionID})
	p.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now))
	p.Expire(ctx, key, keyTTL)
	count := p.ZCount(ctx, key, fmt.Sprintf("%d", now), "+inf")
	if _, err := p.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

// EventCCU counts currently-online members of one event's set.
func (s *Store) EventCCU(ctx context.Context, eventID string) (int, error) {
	key := eventZSet(eventID)
	now := s.now().Unix()
	p := s.rc.Raw().Pipeline()
	p.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now))
	count := p.ZCount(ctx, key, fmt.Sprintf("%d", now), "+inf")
	if _, err := p.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

// FilterOffline returns the subset of sids that are NOT currently online.
// Used by the idle reaper: a session still pinging presence is never reaped,
// whatever its last_seen column says.
func (s *Store) FilterOffline(ctx context.Context, sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	scores, err := s.rc.Raw().ZMScore(ctx, onlineZSet, sessionIDs...).Result()
	if err != nil {
		return nil, err
	}
	now := float64(s.now().Unix())
	offline := make([]string, 0, len(sessionIDs))
	for i, sid := range sessionIDs {
		if i >= len(scores) || scores[i] <= now {
			offline = append(offline, sid)
		}
	}
	return offline, nil
}
