package consumer

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

type GroupHandler struct {
	handler MessageHandler
	log     loggerv2.Logger
}

func NewGroupHandler(handler MessageHandler, log loggerv2.Logger) sarama.ConsumerGroupHandler {
	return &GroupHandler{
		handler: handler,
		log:     log,
	}
}

func (h *GroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.InfoContext(session.Context(), "Consumer group session setup", logger.String("claims", fmt.Sprintf("%v", session.Claims())))
	return nil
}

func (h *GroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.InfoContext(session.Context(), "Consumer group session cleanup")
	return nil
}

// ConsumeClaim marks every message, failed ones included, so one bad event cannot stall the partition.
func (h *GroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msgCtx := loggerv2.ContextWithFields(ctx,
				logger.String("topic", msg.Topic),
				logger.Any("partition", msg.Partition),
				logger.Any("offset", msg.Offset))
			if err := h.handler(msgCtx, msg); err != nil {
				h.log.ErrorContext(msgCtx, "Failed to process message", logger.Error(err))
			}
			session.MarkMessage(msg, "")
		}
	}
}
