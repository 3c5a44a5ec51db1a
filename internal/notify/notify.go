// Package notify sends settlement emails.
//
// Delivery is best effort from the settlement path's point of view: the
// Dispatcher tries a short inline send and, if the mailer keeps failing,
// hands the message to a durable Queue that a Worker drains later. Nothing
// here ever returns an error to the code that moved money.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("email job not found")
	ErrNoRecipient = errors.New("message has no recipient")
)

// Message is one rendered email.
type Message struct {
	Template string `json:"template"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
}

// Mailer delivers a single message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// JobStatus is the lifecycle state of a queued email.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobDead    JobStatus = "dead"
)

// Job is a queued email awaiting redelivery.
type Job struct {
	ID            string    `json:"id"`
	Message       Message   `json:"message"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	Status        JobStatus `json:"status"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Queue is the durable fallback for messages the inline send could not
// deliver.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Claim returns up to limit pending jobs due at or before now and
	// leases them until now+lease so concurrent workers do not send the
	// same job twice.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	Complete(ctx context.Context, id string) error
	// Retry records a failed attempt and schedules the next one.
	Retry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
	// Bury marks a job dead after its final failed attempt.
	Bury(ctx context.Context, id string, attempts int, lastErr string) error
	Depth(ctx context.Context) (int, error)
}
