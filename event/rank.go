package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/to404hanga/online_judge_pipeline/ranking"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const DefaultRankTopic = "online_judge_rank_recompute"

// RankEvent asks the ranker to recompute global ranks after a user's rating changed.
type RankEvent struct {
	UserID      uint64 `json:"userId"`
	TriggeredAt int64  `json:"triggeredAt"` // 毫秒时间戳
}

func DecodeRankEvent(data []byte) (RankEvent, error) {
	var e RankEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return RankEvent{}, fmt.Errorf("failed to unmarshal rank event: %w", err)
	}
	return e, nil
}

// RankTrigger publishes rank recompute requests to kafka instead of recomputing in process.
type RankTrigger struct {
	producer Producer
	topic    string
	log      loggerv2.Logger
}

var _ ranking.Trigger = (*RankTrigger)(nil)

func NewRankTrigger(producer Producer, topic string, log loggerv2.Logger) *RankTrigger {
	if topic == "" {
		topic = DefaultRankTopic
	}
	return &RankTrigger{producer: producer, topic: topic, log: log}
}

func (t *RankTrigger) Trigger(ctx context.Context, userID uint64) error {
	data, err := json.Marshal(RankEvent{UserID: userID, TriggeredAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal rank event: %w", err)
	}
	partition, offset, err := t.producer.Produce(ctx, &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(userID, 10)),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to produce rank event: %w", err)
	}
	t.log.DebugContext(ctx, "rank event produced",
		logger.Uint64("userID", userID),
		logger.Any("partition", partition),
		logger.Any("offset", offset))
	return nil
}
