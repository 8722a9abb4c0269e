package event

import (
	"context"

	"github.com/IBM/sarama"
)

// Producer publishes one message and returns where it landed.
type Producer interface {
	Produce(ctx context.Context, msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}
