package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan event.Event

func (s chanSource) Events() <-chan event.Event { return s }

func feed(events ...event.Event) chanSource {
	ch := make(chanSource, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestHexModeForwardsLowercaseHex(t *testing.T) {
	rec := &event.Recorder{}
	c := New(42, rec, WithLogger(logger.Discard()))

	require.NoError(t, c.Start(feed(
		event.Event{Seq: 1, Buffer: []byte{0xA1, 0xB2}},
		event.Event{Seq: 2},
	), true))

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "a1b2", got[0].Data)
	assert.Equal(t, event.EncodingHex, got[0].Encoding)
	assert.Nil(t, got[0].Buffer)
	assert.Empty(t, got[1].Data)
	assert.Equal(t, OutcomeEndOfStream, c.Outcome())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, uint64(2), c.Forwarded())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestPassThroughKeepsBytes(t *testing.T) {
	rec := &event.Recorder{}
	c := New(1, rec, WithLogger(logger.Discard()))
	require.NoError(t, c.Start(feed(event.Event{Buffer: []byte{0xA1, 0xB2}}), false))

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xA1, 0xB2}, got[0].Buffer)
	assert.Empty(t, got[0].Data)
}

func TestPerEventFailuresAreSkipped(t *testing.T) {
	var forwarded []uint64
	sink := event.SinkFunc(func(_ context.Context, e event.Event) error {
		if e.Seq == 2 {
			return errors.New("downstream hiccup")
		}
		forwarded = append(forwarded, e.Seq)
		return nil
	})
	c := New(1, sink, WithLogger(logger.Discard()), WithMaxPayload(4))
	require.NoError(t, c.Start(feed(
		event.Event{Seq: 1},
		event.Event{Seq: 2},
		event.Event{Seq: 3, Buffer: []byte("too large")},
		event.Event{Seq: 4, Buffer: []byte("ok")},
	), true))

	assert.Equal(t, []uint64{1, 4}, forwarded)
	assert.Equal(t, uint64(2), c.Forwarded())
	assert.Equal(t, uint64(2), c.Dropped())
	assert.Equal(t, OutcomeEndOfStream, c.Outcome())
}

func TestStopEndsLoop(t *testing.T) {
	src := make(chanSource)
	c := New(1, &event.Recorder{}, WithLogger(logger.Discard()))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(src, false) }()
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not joinable after Stop")
	}
	assert.Equal(t, OutcomeStopped, c.Outcome())
	<-c.Done()
}

func TestStopBeforeStart(t *testing.T) {
	rec := &event.Recorder{}
	c := New(1, rec, WithLogger(logger.Discard()))
	c.Stop()
	<-c.Done()

	require.NoError(t, c.Start(feed(event.Event{Seq: 1}), false))
	assert.Empty(t, rec.Events())
	assert.Equal(t, OutcomeStopped, c.Outcome())
}

func TestStartTwice(t *testing.T) {
	src := make(chanSource)
	c := New(1, &event.Recorder{}, WithLogger(logger.Discard()))
	go func() { _ = c.Start(src, false) }()
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Start(src, false), ErrAlreadyStarted)
	c.Stop()
	<-c.Done()
	assert.NoError(t, c.Start(src, false))
}

func TestSinkSeesCancelledContextAfterStop(t *testing.T) {
	src := make(chanSource, 1)
	seen := make(chan context.Context, 1)
	c := New(1, event.SinkFunc(func(ctx context.Context, _ event.Event) error {
		seen <- ctx
		return nil
	}), WithLogger(logger.Discard()))
	go func() { _ = c.Start(src, false) }()
	src <- event.Event{}
	ctx := <-seen
	assert.NoError(t, ctx.Err())
	c.Stop()
	<-c.Done()
	assert.Error(t, ctx.Err())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "end-of-stream", OutcomeEndOfStream.String())
	assert.Equal(t, "stopped", OutcomeStopped.String())
	assert.Equal(t, "none", OutcomeNone.String())
	assert.Equal(t, "idle", StateIdle.String())
}
