package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"expenseexport/pkg/apperr"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) ApplyPosted(ctx context.Context, batchID int64, recordIDs []int64, externalRef, actor string) error {
	return m.Called(ctx, batchID, recordIDs, externalRef, actor).Error(0)
}

func (m *mockSink) ApplyFailed(ctx context.Context, batchID int64, recordIDs []int64, reason, actor string) error {
	return m.Called(ctx, batchID, recordIDs, reason, actor).Error(0)
}

func TestHandleRoutesByStatus(t *testing.T) {
	sink := &mockSink{}
	sink.On("ApplyPosted", mock.Anything, int64(7), []int64{1, 2}, "JV-9", postingActor).Return(nil).Once()
	sink.On("ApplyFailed", mock.Anything, int64(7), []int64{3}, "bad account", postingActor).Return(nil).Once()
	c := NewPostingConsumer(sink, zap.NewNop())

	ctx := context.Background()
	assert.NoError(t, c.Handle(ctx, []byte(`{"batch_id":7,"record_ids":[1,2],"status":"posted","external_ref":"JV-9"}`)))
	assert.NoError(t, c.Handle(ctx, []byte(`{"batch_id":7,"record_ids":[3],"status":"failed","reason":"bad account"}`)))
	sink.AssertExpectations(t)
}

func TestHandleRejectsMalformedMessages(t *testing.T) {
	c := NewPostingConsumer(&mockSink{}, zap.NewNop())
	ctx := context.Background()

	for _, payload := range []string{
		`not json`,
		`{"record_ids":[1],"status":"posted"}`,
		`{"batch_id":1,"status":"failed"}`,
		`{"batch_id":1,"status":"maybe"}`,
	} {
		err := c.Handle(ctx, []byte(payload))
		assert.ErrorIs(t, err, apperr.ErrBadRequest, payload)
		assert.False(t, isRetryable(err), payload)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset")))
	assert.True(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(apperr.InvalidState("closed")))
	assert.False(t, isRetryable(apperr.NotFound("record 1")))
	assert.True(t, isRetryable(apperr.SourceUnavailable(errors.New("down"), "pull")))
}

// fakeSession and fakeClaim implement only what ConsumeClaim touches.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimMarksHandledMessages(t *testing.T) {
	sink := &mockSink{}
	sink.On("ApplyPosted", mock.Anything, int64(7), []int64{1}, "", postingActor).Return(nil).Once()
	c := NewPostingConsumer(sink, zap.NewNop())

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 10, Value: []byte(`{"batch_id":7,"record_ids":[1],"status":"posted"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 11, Value: []byte(`garbage`)}
	close(claim.messages)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{10, 11}, session.marked)
	sink.AssertExpectations(t)
}

func TestConsumeClaimLeavesRetryableMessageUnmarked(t *testing.T) {
	sink := &mockSink{}
	sink.On("ApplyPosted", mock.Anything, int64(7), []int64{1}, "", postingActor).Return(errors.New("db down")).Once()
	c := NewPostingConsumer(sink, zap.NewNop())

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 4, Value: []byte(`{"batch_id":7,"record_ids":[1],"status":"posted"}`)}
	session := &fakeSession{ctx: context.Background()}

	assert.Error(t, c.ConsumeClaim(session, claim))
	assert.Empty(t, session.marked)
}

func TestConsumeClaimStopsWhenSessionEnds(t *testing.T) {
	c := NewPostingConsumer(&mockSink{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	// the channel stays open, as it does during a rebalance
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(session, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after the session ended")
	}
}
