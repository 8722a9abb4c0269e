package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"gorm.io/gorm"
)

var (
	recomputeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "online_judge",
		Subsystem: "ranking",
		Name:      "recompute_total",
		Help:      "Total number of rank recomputations.",
	}, []string{"result"})

	recomputeDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "online_judge",
		Subsystem: "ranking",
		Name:      "recompute_duration_seconds",
		Help:      "Duration of rank recomputations in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(recomputeTotal, recomputeDurationSeconds)
}

// Trigger asks for a rank recomputation after userID gained rating.
type Trigger interface {
	Trigger(ctx context.Context, userID uint64) error
}

type Ranker struct {
	db  *gorm.DB
	log loggerv2.Logger
}

func NewRanker(db *gorm.DB, log loggerv2.Logger) *Ranker {
	return &Ranker{db: db, log: log}
}

// Recompute assigns ranks 1..n to ranked users ordered by rating desc, solved desc, id asc
// and rank 0 to everybody else. Only rows whose rank changes are written.
func (r *Ranker) Recompute(ctx context.Context) (changed int, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		recomputeTotal.WithLabelValues(result).Inc()
		recomputeDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed = 0
		var users []model.User
		err := tx.Model(&model.User{}).
			Where("stats_solved > ? OR rating > ?", 0, 0).
			Order("rating DESC").
			Order("stats_solved DESC").
			Order("id ASC").
			Find(&users).Error
		if err != nil {
			return fmt.Errorf("failed to load ranked users: %w", err)
		}
		for i := range users {
			want := int64(i + 1)
			if users[i].Rank == want {
				continue
			}
			if err = tx.Model(&model.User{}).Where("id = ?", users[i].ID).Update("rank", want).Error; err != nil {
				return fmt.Errorf("failed to update rank of user %d: %w", users[i].ID, err)
			}
			changed++
		}

		res := tx.Model(&model.User{}).
			Where("stats_solved <= ? AND rating <= ? AND `rank` <> ?", 0, 0, 0).
			Update("rank", 0)
		if res.Error != nil {
			return fmt.Errorf("failed to reset unranked users: %w", res.Error)
		}
		changed += int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.DebugContext(ctx, "ranks recomputed", logger.Any("changed", changed))
	return changed, nil
}

// Scheduler coalesces triggers: any number of triggers arriving while a recomputation
// runs lead to exactly one follow-up pass.
type Scheduler struct {
	ranker  *Ranker
	log     loggerv2.Logger
	pending chan struct{}
}

var _ Trigger = (*Scheduler)(nil)

func NewScheduler(ranker *Ranker, log loggerv2.Logger) *Scheduler {
	return &Scheduler{
		ranker:  ranker,
		log:     log,
		pending: make(chan struct{}, 1),
	}
}

func (s *Scheduler) Trigger(context.Context, uint64) error {
	select {
	case s.pending <- struct{}{}:
	default:
		// 已有待执行的重算
	}
	return nil
}

// Run executes pending recomputations until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.pending:
			if _, err := s.ranker.Recompute(ctx); err != nil && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "recompute ranks failed", logger.Error(err))
			}
		}
	}
}
