// Package queue implements the durable, prioritized transport between
// message handlers (producers) and the consumer service. Envelopes live in
// one Redis ready list per priority level; consumed envelopes pass through
// a processing set so that a crash between dispatch and commit results in
// redelivery rather than loss.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/config"
	"github.com/xiaopohou/MessageCenter/internal/id"
	"github.com/xiaopohou/MessageCenter/internal/journal"
	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"

	"github.com/redis/go-redis/v9"
)

const (
	readyKeyPrefix = "msgcenter:ready:"
	processingKey  = "msgcenter:processing"
)

func readyKey(level Level) string {
	return readyKeyPrefix + level.String()
}

// Handler receives each decoded envelope. Handlers run synchronously on the
// poll loop; anything slow must be handed off to other goroutines.
type Handler func(msg message.Message, env Envelope)

type Client struct {
	rdb    *redis.Client
	reg    *message.Registry
	jrnl   *journal.Journal
	node   *id.Node
	cfg    *config.Config
	logger *log.Logger

	subMu   sync.RWMutex
	subs    map[int]Handler
	nextSub int

	dispatched atomic.Int64
	unmatched  atomic.Int64
}

// New builds a queue client. An empty endpoint or an empty payload type set
// is a configuration error and aborts startup.
func New(cfg *config.Config, rdb *redis.Client, reg *message.Registry, jrnl *journal.Journal, logger *log.Logger) (*Client, error) {
	if cfg.QueueAddr == "" {
		return nil, fmt.Errorf("queue endpoint is required")
	}
	if reg == nil || reg.Len() == 0 {
		return nil, fmt.Errorf("at least one supported payload type is required")
	}
	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init envelope ID generator: %w", err)
	}
	return &Client{
		rdb:    rdb,
		reg:    reg,
		jrnl:   jrnl,
		node:   node,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[int]Handler),
	}, nil
}

// Put seals the message into a recoverable envelope and enqueues it at the
// broker level mapped from the domain priority. An unregistered payload
// type fails with ErrUnsupportedType before the broker is contacted.
// Broker errors are returned to the caller; there is no internal retry.
func (c *Client) Put(ctx context.Context, msg message.Message, pri message.Priority) error {
	env, err := NewEnvelope(c.node.Generate(), msg, LevelFor(pri), c.reg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// Journal first: an envelope journaled but never pushed is replayed by
	// Recover, which keeps the enqueue effectively transactional.
	if env.Recoverable && c.jrnl != nil {
		if err := c.jrnl.Put(env.ID, data); err != nil {
			return fmt.Errorf("journal envelope: %w", err)
		}
	}
	if err := c.rdb.LPush(ctx, readyKey(env.Level), data).Err(); err != nil {
		// The caller is told the enqueue failed, so the journaled put must
		// not survive to be replayed: ack it to abort the transaction.
		if env.Recoverable && c.jrnl != nil {
			if ackErr := c.jrnl.Ack(env.ID); ackErr != nil {
				c.logger.Errorw("Failed to abort journaled envelope", "error", ackErr, "envelope_id", env.ID)
			}
		}
		return fmt.Errorf("enqueue envelope: %w", err)
	}
	return nil
}

// Subscribe registers a data-received handler and returns its detach func.
func (c *Client) Subscribe(fn Handler) (unsubscribe func()) {
	c.subMu.Lock()
	token := c.nextSub
	c.nextSub++
	c.subs[token] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, token)
		c.subMu.Unlock()
	}
}

func (c *Client) notify(msg message.Message, env Envelope) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, fn := range c.subs {
		fn(msg, env)
	}
}

// Run drives the poll loop, the processing-set reaper and journal cleanup
// until the context is canceled.
func (c *Client) Run(ctx context.Context) {
	go c.reapLoop(ctx)
	go c.cleanupLoop(ctx)
	c.listen(ctx)
}

// listen polls the ready lists highest level first. A dispatched envelope
// triggers an immediate re-poll; an idle pass backs off with jitter up to
// the configured ceiling.
func (c *Client) listen(ctx context.Context) {
	idle := c.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Queue listener shutting down")
			return
		default:
		}

		dispatched, err := c.pollOnce(ctx)
		if err != nil {
			c.logger.Errorw("Queue poll failed", "error", err)
		}
		if dispatched {
			idle = c.cfg.PollInterval
			continue
		}

		// Jittered backoff, +/- 20% to avoid lockstep polling.
		jitter := 0.8 + rand.Float64()*0.4
		sleep := time.Duration(float64(idle) * jitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		idle = min(idle*2, c.cfg.PollBackoff)
	}
}

// pollOnce peeks one envelope. The peek does not consume: an envelope whose
// label matches no registered type stays in place and the next level is
// tried. A matched envelope is claimed into the processing set, dispatched
// to subscribers, then removed and acked in a separate broker transaction.
func (c *Client) pollOnce(ctx context.Context) (bool, error) {
	for _, level := range pollOrder {
		key := readyKey(level)
		raw, err := c.rdb.LIndex(ctx, key, -1).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("peek %s: %w", key, err)
		}

		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// A malformed envelope can never be consumed; drop it so it
			// does not wedge the level.
			c.logger.Errorw("Dropping malformed envelope", "error", err, "level", level)
			c.rdb.LRem(ctx, key, -1, raw)
			continue
		}

		msg, err := env.Decode(c.reg)
		if err != nil {
			if errors.Is(err, ErrUnknownLabel) {
				// Left in place: a future listener may register the type.
				c.unmatched.Add(1)
				c.logger.Debugw("Skipping unmatched envelope", "label", env.Label, "envelope_id", env.ID)
				continue
			}
			c.logger.Errorw("Dropping undecodable envelope", "error", err, "envelope_id", env.ID)
			c.rdb.LRem(ctx, key, -1, raw)
			continue
		}

		// Claim: move the peeked tail entry into the processing set.
		claim := c.rdb.TxPipeline()
		claim.LRem(ctx, key, -1, raw)
		claim.ZAdd(ctx, processingKey, redis.Z{Score: float64(time.Now().Unix()), Member: raw})
		if _, err := claim.Exec(ctx); err != nil {
			return false, fmt.Errorf("claim envelope %d: %w", env.ID, err)
		}

		c.notify(msg, env)
		c.dispatched.Add(1)

		// Commit the removal in its own transaction. A crash before this
		// point leaves the envelope in the processing set for the reaper.
		commit := c.rdb.TxPipeline()
		commit.ZRem(ctx, processingKey, raw)
		if _, err := commit.Exec(ctx); err != nil {
			return true, fmt.Errorf("commit envelope %d: %w", env.ID, err)
		}
		if c.jrnl != nil {
			if err := c.jrnl.Ack(env.ID); err != nil {
				c.logger.Errorw("Failed to ack envelope in journal", "error", err, "envelope_id", env.ID)
			}
		}
		return true, nil
	}
	return false, nil
}

// reapLoop pushes processing entries whose claim deadline has passed back
// onto their ready list. This is the redelivery half of at-least-once.
func (c *Client) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Queue reaper shutting down")
			return
		case <-ticker.C:
			if err := c.reap(ctx); err != nil {
				c.logger.Errorw("Failed to reap stale claims", "error", err)
			}
		}
	}
}

func (c *Client) reap(ctx context.Context) error {
	cutoff := time.Now().Add(-c.cfg.ClaimDeadline).Unix()
	stale, err := c.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan processing set: %w", err)
	}
	for _, raw := range stale {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.rdb.ZRem(ctx, processingKey, raw)
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.ZRem(ctx, processingKey, raw)
		pipe.RPush(ctx, readyKey(env.Level), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue envelope %d: %w", env.ID, err)
		}
		c.logger.Warnw("Requeued stale claim", "envelope_id", env.ID, "label", env.Label)
	}
	return nil
}

func (c *Client) cleanupLoop(ctx context.Context) {
	if c.jrnl == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.jrnl.Cleanup(c.cfg.JournalMaxAge); err != nil {
				c.logger.Errorw("Journal cleanup failed", "error", err)
			}
		}
	}
}

// Recover replays journaled envelopes that were never acked and are no
// longer present at the broker. Duplicates that slip through are handled by
// consumer-side deduplication; this path favors redelivery over loss.
func (c *Client) Recover(ctx context.Context) error {
	if c.jrnl == nil {
		return nil
	}
	pending, err := c.jrnl.Pending()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	// Consumption peeks the tail, so the oldest envelope must land closest
	// to it: walk the pending list newest-first and RPush.
	var replayed int
	for i := len(pending) - 1; i >= 0; i-- {
		raw := pending[i]
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if c.atBroker(ctx, raw, env.Level) {
			continue
		}
		if err := c.rdb.RPush(ctx, readyKey(env.Level), []byte(raw)).Err(); err != nil {
			return fmt.Errorf("replay envelope %d: %w", env.ID, err)
		}
		replayed++
	}
	if replayed > 0 {
		c.logger.Infow("Replayed journaled envelopes", "count", replayed)
	}
	return nil
}

func (c *Client) atBroker(ctx context.Context, raw json.RawMessage, level Level) bool {
	if _, err := c.rdb.LPos(ctx, readyKey(level), string(raw), redis.LPosArgs{}).Result(); err == nil {
		return true
	}
	if _, err := c.rdb.ZScore(ctx, processingKey, string(raw)).Result(); err == nil {
		return true
	}
	return false
}

// Depth returns the number of ready envelopes per level.
func (c *Client) Depth(ctx context.Context) (map[Level]int64, error) {
	depths := make(map[Level]int64, len(pollOrder))
	for _, level := range Levels() {
		n, err := c.rdb.LLen(ctx, readyKey(level)).Result()
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", level, err)
		}
		depths[level] = n
	}
	return depths, nil
}

// UnmatchedSkips reports how many peeks found no registered type.
func (c *Client) UnmatchedSkips() int64 { return c.unmatched.Load() }

// Dispatched reports how many envelopes have been handed to subscribers.
func (c *Client) Dispatched() int64 { return c.dispatched.Load() }
