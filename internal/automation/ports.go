package automation

import (
	"context"
	"time"

	"outreachd/internal/task"
)

// SentMessage describes one delivered outbound message.
type SentMessage struct {
	MessageID string
	SubjectID string
	Account   string
	Subject   string
}

// LimitHit reports a send account that reached its daily cap.
type LimitHit struct {
	Account string
	Limit   int
}

type SendReport struct {
	Sent   []SentMessage
	Limits []LimitHit
}

// Outbox delivers queued messages. An empty messageID means "send whatever
// is due within the daily allowance".
type Outbox interface {
	Send(ctx context.Context, messageID string) (SendReport, error)
}

// Sequences advances follow-up sequences. An empty sequenceID means all.
type Sequences interface {
	AdvanceDue(ctx context.Context, sequenceID string) (int, error)
}

type InboxKind string

const (
	InboxReplied InboxKind = "replied"
	InboxBounced InboxKind = "bounced"
	InboxOpened  InboxKind = "opened"
)

// InboxEvent is one observation from a mailbox poll.
type InboxEvent struct {
	Kind      InboxKind
	SubjectID string
	MessageID string
	Subject   string
	// Reason is the bounce diagnostic.
	Reason string
}

type Inbox interface {
	Poll(ctx context.Context, mailbox string) ([]InboxEvent, error)
}

type Warmup interface {
	Increment(ctx context.Context) error
}

type Counters interface {
	ResetDaily(ctx context.Context, now time.Time) error
}

type Reviews interface {
	SendRequests(ctx context.Context, subjectID string) (int, error)
}

type Retention interface {
	SendReminders(ctx context.Context, subjectID string) (int, error)
}

type Reports interface {
	Generate(ctx context.Context, kind string, params task.Payload) error
}

type Analytics interface {
	Compute(ctx context.Context, since time.Time) error
}

// Ports are the external collaborators the executors call into. A nil port
// turns its executor into a logged no-op.
type Ports struct {
	Outbox    Outbox
	Sequences Sequences
	Inbox     Inbox
	Warmup    Warmup
	Counters  Counters
	Reviews   Reviews
	Retention Retention
	Reports   Reports
	Analytics Analytics
}
