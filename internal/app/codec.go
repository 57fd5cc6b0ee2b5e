package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rcliao/support-memory/internal/closure"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/proactive"
	"github.com/rcliao/support-memory/internal/tracker"
)

// Event types read from the gateway stream.
const (
	EventMessageAppended = "message_appended"
	EventThreadOpened    = "thread_opened"
	EventSearch          = "search"
	EventFetch           = "fetch"
	EventQuickSave       = "quick_save"
	EventFeedback        = "feedback"
)

// Output types written to the gateway stream.
const (
	OutputSuggestion    = "suggestion"
	OutputExpertRouting = "expert_routing"
	OutputMatches       = "matches"
	OutputSaved         = "saved"
	OutputRecord        = "record"
	OutputError         = "error"
)

const maxLineBytes = 1 << 20

// Event is one normalized gateway event or command.
type Event struct {
	Type       string    `json:"type"`
	ThreadID   string    `json:"thread_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Author     string    `json:"author,omitempty"`
	Text       string    `json:"text,omitempty"`
	TS         time.Time `json:"ts,omitempty"`
	Query      string    `json:"query,omitempty"`
	K          int       `json:"k,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	SolutionID string    `json:"solution_id,omitempty"`
	Helpful    bool      `json:"helpful,omitempty"`
}

// Output is one line written back to the gateway.
type Output struct {
	Type       string                 `json:"type"`
	ThreadID   string                 `json:"thread_id,omitempty"`
	ChannelID  string                 `json:"channel_id,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Matches    []model.CandidateMatch `json:"matches,omitempty"`
	Degraded   bool                   `json:"degraded,omitempty"`
	Record     *model.SolutionRecord  `json:"record,omitempty"`
	Merged     bool                   `json:"merged,omitempty"`
	Existing   bool                   `json:"existing,omitempty"`
	NoSolution bool                   `json:"no_solution,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Experts    []string               `json:"experts,omitempty"`
	Event      string                 `json:"event,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Encoder writes outputs as newline-delimited JSON. It is safe for concurrent
// use and doubles as the proactive sink.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Write encodes one output line.
func (e *Encoder) Write(o Output) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(o)
}

func (e *Encoder) Suggest(_ context.Context, s proactive.Suggestion) error {
	return e.Write(Output{Type: OutputSuggestion, ThreadID: s.ThreadID, ChannelID: s.ChannelID, Matches: s.Matches})
}

func (e *Encoder) RouteToExperts(_ context.Context, r proactive.ExpertRouting) error {
	return e.Write(Output{Type: OutputExpertRouting, ThreadID: r.ThreadID, ChannelID: r.ChannelID, Tags: r.Tags, Experts: r.Experts})
}

// HandleEvent applies one event. Message events produce no output.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (*Output, error) {
	switch ev.Type {
	case EventMessageAppended, EventThreadOpened:
		ts := ev.TS
		if ts.IsZero() {
			ts = s.Tracker.Clock().Now()
		}
		_, err := s.RecordMessage(ctx, tracker.MessageInput{
			ThreadID:  ev.ThreadID,
			ChannelID: ev.ChannelID,
			MessageID: ev.MessageID,
			Author:    ev.Author,
			Text:      ev.Text,
			Timestamp: ts,
		})
		return nil, err

	case EventSearch:
		sev, _ := model.ParseSeverity(ev.Severity)
		if !sev.Valid() {
			sev = ""
		}
		res, err := s.Search(ctx, ev.Query, ev.K, sev)
		if err != nil {
			return nil, err
		}
		return &Output{Type: OutputMatches, Query: ev.Query, Matches: res.Matches, Degraded: res.Degraded}, nil

	case EventFetch:
		res, err := s.FetchInThread(ctx, ev.ThreadID, ev.K)
		if err != nil {
			return nil, err
		}
		return &Output{Type: OutputMatches, ThreadID: ev.ThreadID, Matches: res.Matches, Degraded: res.Degraded}, nil

	case EventQuickSave:
		res, err := s.QuickSave(ctx, ev.ThreadID)
		if err != nil {
			return nil, err
		}
		return savedOutput(ev.ThreadID, res), nil

	case EventFeedback:
		rec, err := s.Feedback(ctx, ev.SolutionID, ev.ThreadID, ev.Helpful)
		if err != nil {
			return nil, err
		}
		return &Output{Type: OutputRecord, ThreadID: ev.ThreadID, Record: rec}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q: %w", ev.Type, model.ErrValidation)
	}
}

func savedOutput(threadID string, res *closure.SaveResult) *Output {
	return &Output{
		Type:       OutputSaved,
		ThreadID:   threadID,
		Record:     res.Record,
		Merged:     res.Merged,
		Existing:   res.Existing,
		NoSolution: res.NoSolution,
	}
}

// Serve reads events from r until EOF or ctx is done and writes outputs to out.
// A bad line or failed event is reported as an error output and never stops
// the stream.
func (s *Service) Serve(ctx context.Context, r io.Reader, out *Encoder) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.writeErr(out, Event{}, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		o, err := s.HandleEvent(ctx, ev)
		if err != nil {
			s.writeErr(out, ev, err)
			continue
		}
		if o != nil {
			if err := out.Write(*o); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

func (s *Service) writeErr(out *Encoder, ev Event, err error) {
	s.log.Warn("event failed", "type", ev.Type, "thread_id", ev.ThreadID, "error", err)
	if werr := out.Write(Output{Type: OutputError, Event: ev.Type, ThreadID: ev.ThreadID, Error: err.Error()}); werr != nil {
		s.log.Error("write error output failed", "error", werr)
	}
}
