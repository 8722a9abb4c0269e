package event

import (
	"context"

	"github.com/IBM/sarama"
)

type SaramaProducer struct {
	producer sarama.SyncProducer
}

func NewSaramaProducer(producer sarama.SyncProducer) Producer {
	return &SaramaProducer{producer: producer}
}

// Produce blocks until the broker acks; a cancelled ctx skips the send.
func (s *SaramaProducer) Produce(ctx context.Context, msg *sarama.ProducerMessage) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return s.producer.SendMessage(msg)
}
