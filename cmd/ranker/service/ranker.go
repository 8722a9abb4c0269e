package service

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/to404hanga/online_judge_pipeline/consumer"
	"github.com/to404hanga/online_judge_pipeline/event"
	"github.com/to404hanga/online_judge_pipeline/ranking"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"golang.org/x/sync/errgroup"
)

const (
	RankerGroupID = "ranker_group"
)

var (
	rankerHandleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "online_judge",
		Subsystem: "ranker",
		Name:      "handle_event_total",
		Help:      "Total number of handled rank events.",
	}, []string{"result", "reason"})

	rankerEventLagSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "online_judge",
		Subsystem: "ranker",
		Name:      "event_lag_seconds",
		Help:      "Delay between a rank event being produced and consumed.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(
		rankerHandleTotal,
		rankerEventLagSeconds,
	)
}

// RankerService turns rank events from kafka into coalesced recomputations.
type RankerService struct {
	log       loggerv2.Logger
	consumer  consumer.Consumer
	scheduler *ranking.Scheduler
}

func NewRankerService(log loggerv2.Logger, cg sarama.ConsumerGroup, topic string, scheduler *ranking.Scheduler) *RankerService {
	if topic == "" {
		topic = event.DefaultRankTopic
	}
	s := &RankerService{
		log:       log,
		scheduler: scheduler,
	}
	handler := consumer.NewGroupHandler(s.handleEvent, log)
	s.consumer = consumer.NewSaramaConsumer(cg, topic, handler, log)
	return s
}

func (s *RankerService) Start(ctx context.Context) error {
	// 启动时先重算一次, 补上停机期间遗漏的事件
	if err := s.scheduler.Trigger(ctx, 0); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(ctx)
	})
	g.Go(func() error {
		return s.consumer.Start(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *RankerService) handleEvent(ctx context.Context, msg *sarama.ConsumerMessage) error {
	e, err := event.DecodeRankEvent(msg.Value)
	if err != nil {
		rankerHandleTotal.WithLabelValues("error", "decode").Inc()
		return err
	}
	if e.TriggeredAt > 0 {
		rankerEventLagSeconds.Observe(time.Since(time.UnixMilli(e.TriggeredAt)).Seconds())
	}
	if err = s.scheduler.Trigger(ctx, e.UserID); err != nil {
		rankerHandleTotal.WithLabelValues("error", "trigger").Inc()
		return err
	}
	rankerHandleTotal.WithLabelValues("success", "ok").Inc()
	s.log.DebugContext(ctx, "rank event accepted", logger.Uint64("userID", e.UserID))
	return nil
}
