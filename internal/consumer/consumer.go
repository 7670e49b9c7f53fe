// Package consumer runs the delivery side of the pipeline: it listens on
// the queue, routes each received message to the delivery client accepting
// its type, and writes the delivery outcome back through the message
// handler. Deliveries are at-least-once; envelope IDs deduplicate replays.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/config"
	"github.com/xiaopohou/MessageCenter/internal/delivery"
	"github.com/xiaopohou/MessageCenter/internal/handler"
	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
	"github.com/xiaopohou/MessageCenter/internal/metrics"
	"github.com/xiaopohou/MessageCenter/internal/queue"

	"github.com/sony/gobreaker"
)

// Listener is the consumer-facing slice of the queue client.
type Listener interface {
	Subscribe(fn queue.Handler) (unsubscribe func())
	Run(ctx context.Context)
}

// FailureRecorder appends failure-log lines for failed deliveries.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, typ message.MsgType, msgID int64, logLine string) error
}

// Deduper tracks envelope IDs whose delivery attempt has completed. Seen is
// a read-only check; Mark is written only after the attempt, so an envelope
// interrupted mid-delivery is never flagged and redelivery goes through.
type Deduper interface {
	Seen(ctx context.Context, envelopeID int64) (bool, error)
	Mark(ctx context.Context, envelopeID int64) error
}

type job struct {
	msg message.Message
	env queue.Envelope
}

type Server struct {
	queue    Listener
	clients  *delivery.Registry
	handlers *handler.Table
	failures FailureRecorder
	dedup    Deduper
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.PipelineMetrics

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	jobs        chan job
	wg          sync.WaitGroup
	breakers    map[message.MsgType]*gobreaker.CircuitBreaker
}

func New(q Listener, clients *delivery.Registry, handlers *handler.Table, failures FailureRecorder, dedup Deduper, cfg *config.Config, m *metrics.PipelineMetrics, logger *log.Logger) *Server {
	return &Server{
		queue:    q,
		clients:  clients,
		handlers: handlers,
		failures: failures,
		dedup:    dedup,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Start subscribes to the queue and begins listening. Delivery runs on a
// bounded worker pool so overlapping dispatches never spawn unbounded
// goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("consumer already running")
	}

	workers := s.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.jobs = make(chan job, workers)

	s.breakers = make(map[message.MsgType]*gobreaker.CircuitBreaker)
	for _, typ := range s.clients.Types() {
		s.breakers[typ] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("delivery-%s", typ),
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		})
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}

	s.unsubscribe = s.queue.Subscribe(s.onData)
	go s.queue.Run(runCtx)

	s.running = true
	s.logger.Infow("Consumer started", "workers", workers)
	return nil
}

// Stop detaches the queue subscription and waits for queued deliveries to
// finish. In-flight deliveries run to completion.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("consumer not running")
	}
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.logger.Info("Consumer stopped")
	return nil
}

// onData runs synchronously on the queue poll loop. Handing the job to the
// pool returns immediately unless every worker is busy, which is the
// intended backpressure on the listener.
func (s *Server) onData(msg message.Message, env queue.Envelope) {
	s.jobs <- job{msg: msg, env: env}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			s.process(j)
		case <-ctx.Done():
			// Drain what the listener already handed over.
			for {
				select {
				case j := <-s.jobs:
					s.process(j)
				default:
					return
				}
			}
		}
	}
}

// process delivers one message. It deliberately uses a background context:
// a shutdown must not cancel a delivery that already left the queue.
func (s *Server) process(j job) {
	ctx := context.Background()
	base := j.msg.Base()

	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, j.env.ID)
		if err != nil {
			// Fail open: redelivering beats dropping.
			s.logger.Warnw("Dedup check failed", "envelope_id", j.env.ID, "error", err)
		} else if seen {
			if s.metrics != nil {
				s.metrics.DuplicateTotal.WithLabelValues(string(j.msg.Type())).Inc()
			}
			s.logger.Debugw("Skipping duplicate delivery", "envelope_id", j.env.ID, "msg_id", base.ID)
			return
		}
	}

	client, ok := s.clients.Resolve(j.msg.Type())
	if !ok {
		if s.metrics != nil {
			s.metrics.UnroutableTotal.WithLabelValues(string(j.msg.Type())).Inc()
		}
		s.logger.Warnw("No delivery client for message type", "msg_type", j.msg.Type(), "msg_id", base.ID)
		return
	}

	sendErr := s.send(ctx, client, j.msg)

	// The attempt is complete either way; only now is the envelope marked,
	// so a crash during Send still results in redelivery.
	if s.dedup != nil {
		if err := s.dedup.Mark(ctx, j.env.ID); err != nil {
			s.logger.Warnw("Dedup mark failed", "envelope_id", j.env.ID, "error", err)
		}
	}

	// Status write-back: delivery outcomes land on the stored record, so a
	// message never stays processing forever after an attempt.
	if h, ok := s.handlers.ForType(j.msg.Type()); ok {
		data := message.ProcessedMsg{MsgID: base.ID, IsSuccessed: sendErr == nil}
		if err := h.Update(ctx, data); err != nil {
			s.logger.Errorw("Failed to update message status", "error", err, "msg_id", base.ID)
		}
	}

	if sendErr != nil {
		if s.metrics != nil {
			s.metrics.DeliveryFailedTotal.WithLabelValues(string(j.msg.Type())).Inc()
		}
		s.logger.Errorw("Delivery failed", "error", sendErr, "msg_id", base.ID, "msg_type", j.msg.Type())
		if s.failures != nil {
			if err := s.failures.RecordFailure(ctx, j.msg.Type(), base.ID, sendErr.Error()); err != nil {
				s.logger.Errorw("Failed to record delivery failure", "error", err, "msg_id", base.ID)
			}
		}
		return
	}

	if s.metrics != nil {
		s.metrics.DeliveredTotal.WithLabelValues(string(j.msg.Type())).Inc()
	}
	s.logger.Infow("Message delivered", "msg_id", base.ID, "msg_type", j.msg.Type())
}

func (s *Server) send(ctx context.Context, client delivery.Client, msg message.Message) error {
	cb := s.breakers[msg.Type()]
	if cb == nil {
		return client.Send(ctx, msg)
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, client.Send(ctx, msg)
	})
	return err
}
