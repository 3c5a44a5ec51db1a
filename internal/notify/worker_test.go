package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWorker(q Queue, m Mailer, maxAttempts int) (*Worker, *clock) {
	c := &clock{t: time.Now()}
	w := NewWorker(q, m, maxAttempts, quietLogger())
	w.now = c.now
	return w, c
}

func TestWorker_SendsDueJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, Message{Template: TplReceipt, To: "a@example.com", Subject: "hi"}))
	require.NoError(t, q.Enqueue(ctx, Message{Template: TplReceipt, To: "b@example.com", Subject: "hi"}))

	mailer := &fakeMailer{}
	w, _ := newTestWorker(q, mailer, 3)

	sent, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, mailer.messages(), 2)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, 0, depth)
	for _, j := range q.Jobs() {
		assert.Equal(t, JobSent, j.Status)
	}
}

func TestWorker_BacksOffThenBuries(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, Message{Template: TplRefundIssued, To: "a@example.com"}))

	mailer := &fakeMailer{fail: errors.New("mailbox unavailable")}
	w, c := newTestWorker(q, mailer, 3)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	job := q.Jobs()[0]
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, "mailbox unavailable", job.LastError)
	assert.True(t, job.NextAttemptAt.After(c.now()), "retry must be scheduled in the future")

	// not due yet
	sent, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, q.Jobs()[0].Attempts)

	c.advance(2 * time.Minute)
	_, _ = w.RunOnce(ctx)
	assert.Equal(t, 2, q.Jobs()[0].Attempts)

	c.advance(6 * time.Hour)
	_, _ = w.RunOnce(ctx)
	job = q.Jobs()[0]
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, JobDead, job.Status)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, 0, depth)
}

func TestWorker_RecoversAfterFailure(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, Message{Template: TplReceipt, To: "a@example.com"}))

	mailer := &fakeMailer{fail: errors.New("timeout")}
	w, c := newTestWorker(q, mailer, 5)
	_, _ = w.RunOnce(ctx)

	mailer.mu.Lock()
	mailer.fail = nil
	mailer.mu.Unlock()
	c.advance(10 * time.Minute)

	sent, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, JobSent, q.Jobs()[0].Status)
}

func TestMemoryQueue_ClaimLeases(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, Message{To: "a@example.com"}))

	now := time.Now().Add(time.Second)
	first, err := q.Claim(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := q.Claim(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "leased job must not be claimed twice")

	later, err := q.Claim(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, later, 1, "expired lease makes the job claimable again")

	assert.ErrorIs(t, q.Enqueue(ctx, Message{}), ErrNoRecipient)
	assert.ErrorIs(t, q.Complete(ctx, "missing"), ErrJobNotFound)
}

func TestWorker_StartStop(t *testing.T) {
	w, _ := newTestWorker(NewMemoryQueue(), &fakeMailer{}, 0)
	w.interval = time.Millisecond
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
