// Package store provides SQLite persistence for threads, messages and solution records.
package store

import (
	"context"
	"time"

	"github.com/rcliao/support-memory/internal/model"
)

// MessageParams holds parameters for appending a message to a thread.
type MessageParams struct {
	ThreadID  string
	ChannelID string
	MessageID string
	Author    string
	Text      string
	Timestamp time.Time
	Now       time.Time
}

// MessageResult reports what RecordMessage changed.
type MessageResult struct {
	Thread   model.Thread
	Created  bool
	Appended bool
	Reopened bool
}

// ListThreadsParams holds filters for listing threads.
type ListThreadsParams struct {
	State model.ThreadState
	// IdleSince keeps threads whose last activity is at or before this instant.
	IdleSince time.Time
	// ChangedBefore keeps threads whose state changed at or before this instant.
	ChangedBefore time.Time
	Limit         int
}

// TransitionParams holds a compare-and-set state change.
type TransitionParams struct {
	ThreadID string
	From     []model.ThreadState
	To       model.ThreadState
	Now      time.Time
	// LastActivityAt, when set, must equal the stored value for the change to apply.
	LastActivityAt time.Time
}

// MergeParams holds parameters for folding a duplicate into an existing record.
type MergeParams struct {
	SolutionID string
	ThreadID   string
	Excerpt    string
	At         time.Time
}

// FeedbackParams holds one vote on whether a record helped.
type FeedbackParams struct {
	SolutionID string
	ThreadID   string
	Helpful    bool
	At         time.Time
}

// ResolverCount is how many active records credit one resolver.
type ResolverCount struct {
	Resolver  string `json:"resolver"`
	Solutions int    `json:"solutions"`
}

// ThreadStore is the durable state behind the thread tracker.
type ThreadStore interface {
	RecordMessage(ctx context.Context, p MessageParams) (*MessageResult, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	Messages(ctx context.Context, threadID string) ([]model.Message, error)
	ListThreads(ctx context.Context, p ListThreadsParams) ([]model.Thread, error)
	TransitionThread(ctx context.Context, p TransitionParams) (*model.Thread, error)
	IncrementClosureAttempts(ctx context.Context, threadID string) (int, error)
	AppendAudit(ctx context.Context, e model.AuditEntry) (*model.AuditEntry, error)
}

// SolutionStore is the durable state behind the memory store.
type SolutionStore interface {
	InsertSolution(ctx context.Context, rec *model.SolutionRecord) error
	GetSolution(ctx context.Context, id string) (*model.SolutionRecord, error)
	GetSolutions(ctx context.Context, ids []string) ([]model.SolutionRecord, error)
	SolutionBySource(ctx context.Context, threadID string) (*model.SolutionRecord, error)
	MergeSolution(ctx context.Context, p MergeParams) (*model.SolutionRecord, error)
	SupersedeSolution(ctx context.Context, oldID string, rev *model.SolutionRecord) error
	SolutionIDsWithTag(ctx context.Context, tag, afterID string, limit int) ([]string, error)
	ActiveSolutions(ctx context.Context) ([]model.SolutionRecord, error)
	SolutionHistory(ctx context.Context, id string) ([]model.SolutionRecord, error)
	SearchText(ctx context.Context, query string, limit int) ([]model.SolutionRecord, error)
	RecordFeedback(ctx context.Context, p FeedbackParams) (*model.SolutionRecord, error)
	TopResolvers(ctx context.Context, tags []string, limit int) ([]ResolverCount, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	AppendAudit(ctx context.Context, e model.AuditEntry) (*model.AuditEntry, error)
}
