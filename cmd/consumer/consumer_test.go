package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/logging"
	"github.com/example/bagmatch/internal/models"
)

// fakeAppender fails the first fail calls, then records events.
type fakeAppender struct {
	fail  int
	calls int
	got   []events.Event
}

func (f *fakeAppender) Publish(_ context.Context, ev events.Event) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("append fail")
	}
	f.got = append(f.got, ev)
	return nil
}

func TestAppendWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeAppender{fail: 2}
	start := time.Now()
	err := appendWithRetry(context.Background(), f, events.Event{ID: "e1", MatchID: "m1"}, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAppendWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeAppender{fail: 5}
	err := appendWithRetry(context.Background(), f, events.Event{ID: "e1", MatchID: "m1"}, 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestAppendWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeAppender{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := appendWithRetry(ctx, f, events.Event{ID: "e1", MatchID: "m1"}, 3, time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

// scriptedReader replays msgs, then cancels the consumer's context.
type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	good, err := json.Marshal(events.Event{ID: "e1", MatchID: "m1", Action: "approve", To: models.StatusApproved})
	require.NoError(t, err)
	noMatch, err := json.Marshal(events.Event{ID: "e2"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("not json")},
		{Value: noMatch},
		{Key: []byte("m1"), Value: good},
	}}
	f := &fakeAppender{}
	consume(ctx, r, f, logging.Discard())

	require.Len(t, f.got, 1)
	assert.Equal(t, "m1", f.got[0].MatchID)
	assert.Equal(t, models.StatusApproved, f.got[0].To)
}
