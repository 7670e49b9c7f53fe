package metrics

import (
	"context"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueObserver is the slice of the queue client the collector polls.
type QueueObserver interface {
	Depth(ctx context.Context) (map[queue.Level]int64, error)
	UnmatchedSkips() int64
}

type PipelineMetrics struct {
	SubmittedTotal      *prometheus.CounterVec
	DeliveredTotal      *prometheus.CounterVec
	DeliveryFailedTotal *prometheus.CounterVec
	DuplicateTotal      *prometheus.CounterVec
	UnroutableTotal     *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	UnmatchedSkips      prometheus.Gauge

	queue  QueueObserver
	logger *log.Logger
}

func NewPipelineMetrics(q QueueObserver, logger *log.Logger) *PipelineMetrics {
	m := &PipelineMetrics{
		SubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcenter_submitted_total",
				Help: "Messages accepted by a handler",
			},
			[]string{"msg_type"},
		),
		DeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcenter_delivered_total",
				Help: "Messages delivered by a client",
			},
			[]string{"msg_type"},
		),
		DeliveryFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcenter_delivery_failed_total",
				Help: "Delivery attempts that failed",
			},
			[]string{"msg_type"},
		),
		DuplicateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcenter_duplicate_total",
				Help: "Redelivered envelopes skipped by deduplication",
			},
			[]string{"msg_type"},
		),
		UnroutableTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcenter_unroutable_total",
				Help: "Messages with no delivery client for their type",
			},
			[]string{"msg_type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgcenter_queue_depth",
				Help: "Ready envelopes per broker priority level",
			},
			[]string{"level"},
		),
		UnmatchedSkips: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "msgcenter_unmatched_skips",
				Help: "Peeks that found an envelope with no registered type",
			},
		),
		queue:  q,
		logger: logger,
	}

	prometheus.MustRegister(
		m.SubmittedTotal,
		m.DeliveredTotal,
		m.DeliveryFailedTotal,
		m.DuplicateTotal,
		m.UnroutableTotal,
		m.QueueDepth,
		m.UnmatchedSkips,
	)
	return m
}

// Run polls queue depth until the context is canceled.
func (m *PipelineMetrics) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

func (m *PipelineMetrics) collect(ctx context.Context) {
	if m.queue == nil {
		return
	}
	depths, err := m.queue.Depth(ctx)
	if err != nil {
		m.logger.Errorw("Failed to collect queue depth", "error", err)
		return
	}
	for level, n := range depths {
		m.QueueDepth.WithLabelValues(level.String()).Set(float64(n))
	}
	m.UnmatchedSkips.Set(float64(m.queue.UnmatchedSkips()))
}
