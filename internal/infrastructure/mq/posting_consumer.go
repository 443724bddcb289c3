package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expenseexport/internal/config"
	"expenseexport/pkg/apperr"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// PostingMessage is the confirmation the ERP publishes after it has
// processed exported records.
type PostingMessage struct {
	BatchID     int64   `json:"batch_id"`
	RecordIDs   []int64 `json:"record_ids"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	ExternalRef string  `json:"external_ref,omitempty"`
}

const (
	PostingStatusPosted = "posted"
	PostingStatusFailed = "failed"

	postingActor = "erp-consumer"
)

// PostingSink applies confirmations to the pipeline.
type PostingSink interface {
	ApplyPosted(ctx context.Context, batchID int64, recordIDs []int64, externalRef, actor string) error
	ApplyFailed(ctx context.Context, batchID int64, recordIDs []int64, reason, actor string) error
}

// PostingConsumer is a sarama.ConsumerGroupHandler for the postings topic.
type PostingConsumer struct {
	sink PostingSink
	log  *zap.Logger
}

func NewPostingConsumer(sink PostingSink, log *zap.Logger) *PostingConsumer {
	return &PostingConsumer{sink: sink, log: log}
}

func (c *PostingConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *PostingConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim returns when the claim's channel closes or the session ends,
// whichever comes first, so a rebalance is not held up.
func (c *PostingConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.Handle(session.Context(), msg.Value); err != nil {
				if isRetryable(err) {
					// leave the offset uncommitted so the message is redelivered
					c.log.Warn("posting confirmation will be retried",
						zap.Int64("offset", msg.Offset), zap.Error(err))
					return err
				}
				c.log.Error("posting confirmation dropped",
					zap.Int64("offset", msg.Offset), zap.ByteString("payload", msg.Value), zap.Error(err))
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// Handle decodes and applies one confirmation.
func (c *PostingConsumer) Handle(ctx context.Context, payload []byte) error {
	var msg PostingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return apperr.BadRequest("decode posting message: %v", err)
	}
	if msg.BatchID == 0 {
		return apperr.BadRequest("posting message without batch_id")
	}

	switch msg.Status {
	case PostingStatusPosted:
		return c.sink.ApplyPosted(ctx, msg.BatchID, msg.RecordIDs, msg.ExternalRef, postingActor)
	case PostingStatusFailed:
		if len(msg.RecordIDs) == 0 {
			return apperr.BadRequest("failed posting message for batch %d without record_ids", msg.BatchID)
		}
		return c.sink.ApplyFailed(ctx, msg.BatchID, msg.RecordIDs, msg.Reason, postingActor)
	}
	return apperr.BadRequest("unknown posting status %q", msg.Status)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// domain errors are final unless they say otherwise; anything else
	// (database down) is retried
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return true
}

// StartPostingConsumer joins the consumer group and consumes until ctx ends.
func StartPostingConsumer(ctx context.Context, cfg *config.KafkaConfig, handler *PostingConsumer, log *zap.Logger) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = false

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	go func() {
		defer group.Close()
		for {
			if err := group.Consume(ctx, []string{cfg.Topic.Postings}, handler); err != nil {
				log.Error("posting consumer session ended", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				log.Info("posting consumer exiting")
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return nil
}
