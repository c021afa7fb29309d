package rest

import (
	"strings"
	"time"

	"github.com/victornm/codeduel/internal/codec"
	"github.com/victornm/codeduel/internal/domain"
)

type errorBody struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

type sessionBody struct {
	ID              codec.ID       `json:"id"`
	Title           string         `json:"title"`
	CreatedBy       codec.ID       `json:"created_by"`
	Participants    []codec.ID     `json:"participants"`
	MaxParticipants int            `json:"max_participants"`
	IsPrivate       bool           `json:"is_private"`
	Problems        []codec.ID     `json:"problems"`
	CreatedAt       string         `json:"created_at"`
	Problem         *codec.Problem `json:"problem"`
}

func (b sessionBody) domain() domain.Session {
	s := domain.Session{
		SessionID:       string(b.ID),
		Title:           b.Title,
		HostID:          string(b.CreatedBy),
		MaxParticipants: b.MaxParticipants,
		IsPrivate:       b.IsPrivate,
		Problem:         b.Problem.Domain(),
	}

	for _, id := range b.Participants {
		s.Participants = append(s.Participants, domain.Participant{
			ID:   string(id),
			Host: id == b.CreatedBy,
		})
	}

	if t, err := time.Parse(time.RFC3339Nano, b.CreatedAt); err == nil {
		s.CreateTime = t.UTC()
	}

	return s
}

type startBody struct {
	Detail  string         `json:"detail"`
	Problem *codec.Problem `json:"problem"`
}

type statusBody struct {
	ParticipantsCount      int  `json:"participants_count"`
	HasEnoughParticipants  bool `json:"has_enough_participants"`
	ReadyParticipantsCount *int `json:"ready_participants_count"`
	ReadyCount             *int `json:"ready_count"`
	AllReady               bool `json:"all_ready"`
	Started                bool `json:"started"`
}

func (b statusBody) readyCount() int {
	switch {
	case b.ReadyParticipantsCount != nil:
		return *b.ReadyParticipantsCount
	case b.ReadyCount != nil:
		return *b.ReadyCount
	}
	return 0
}

type submitBody struct {
	Submission struct {
		ID            codec.ID `json:"id"`
		Status        string   `json:"status"`
		ExecutionTime *float64 `json:"execution_time"`
		MemoryUsage   *float64 `json:"memory_usage"`
	} `json:"submission"`
	Result       []testBody             `json:"result"`
	SessionEnded bool                   `json:"session_ended"`
	Winner       string                 `json:"winner"`
	Leaderboard  []codec.LeaderboardRow `json:"leaderboard"`
}

type testBody struct {
	TestCase int    `json:"test_case"`
	Output   string `json:"output"`
	Expected string `json:"expected"`
	Match    bool   `json:"match"`
	Error    string `json:"error"`
	Status   string `json:"status"`
	Time     string `json:"time"`
	Memory   string `json:"memory"`
}

func (b submitBody) domain() domain.SubmissionResult {
	r := domain.SubmissionResult{
		SubmissionID: string(b.Submission.ID),
		Status:       submissionStatus(b.Submission.Status),
		SessionEnded: b.SessionEnded,
		Winner:       b.Winner,
	}

	var slowest time.Duration
	for _, t := range b.Result {
		d, _ := time.ParseDuration(strings.TrimSpace(t.Time))
		slowest = max(slowest, d)

		r.Tests = append(r.Tests, domain.TestResult{
			TestCase: t.TestCase,
			Output:   t.Output,
			Expected: t.Expected,
			Match:    t.Match,
			Error:    t.Error,
			Status:   submissionStatus(t.Status),
			Time:     d,
			Memory:   t.Memory,
		})
	}

	if b.Submission.ExecutionTime != nil {
		r.ExecutionTime = time.Duration(*b.Submission.ExecutionTime * float64(time.Second))
	} else {
		r.ExecutionTime = slowest
	}

	// The first failing test explains the verdict best.
	for _, t := range r.Tests {
		if r.Output == "" && (!t.Match || t.Error != "") {
			r.Output = t.Error
			if r.Output == "" {
				r.Output = t.Output
			}
		}
		if r.Memory == "" {
			r.Memory = t.Memory
		}
	}

	if r.Status == "" {
		r.Status = domain.SubmissionPending
	}

	if b.Leaderboard != nil {
		r.Leaderboard = codec.Entries(b.Leaderboard)
	}

	return r
}

func submissionStatus(s string) domain.SubmissionStatus {
	switch s {
	case "time_limit":
		return domain.SubmissionTimeLimitExceeded
	case "memory_limit":
		return domain.SubmissionMemoryLimitExceeded
	}
	return domain.SubmissionStatus(s)
}
