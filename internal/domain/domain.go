package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local projection of where a session is in its lifecycle.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusWaiting    Status = "WAITING"
	StatusReadyCheck Status = "READY_CHECK"
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusEnded      Status = "ENDED"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusAborted    Status = "ABORTED"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusTimedOut || s == StatusAborted
}

// PreStart reports whether the session is still gathering participants.
func (s Status) PreStart() bool {
	return s == StatusWaiting || s == StatusReadyCheck
}

// Session represents a match as returned by the session service.
type Session struct {
	SessionID       string
	Title           string
	HostID          string
	Participants    []Participant
	MaxParticipants int
	IsPrivate       bool
	Problem         *Problem
	CreateTime      time.Time
}

type Participant struct {
	ID          string
	DisplayName string
	Ready       bool
	Host        bool
}

type Problem struct {
	ID          string
	Title       string
	Description string
	TimeLimit   float64
	MemoryLimit int
}

// LeaderboardEntry is one participant's standing. Rank is derived from the position after sorting.
type LeaderboardEntry struct {
	ParticipantID  string
	Username       string
	ProblemsSolved int
	Elapsed        time.Duration
	Score          decimal.Decimal
	Rank           int
}

// FormattedTime renders the elapsed time as MM:SS.
func (e LeaderboardEntry) FormattedTime() string {
	secs := int(e.Elapsed / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

type SubmissionStatus string

const (
	SubmissionAccepted            SubmissionStatus = "accepted"
	SubmissionWrongAnswer         SubmissionStatus = "wrong_answer"
	SubmissionRuntimeError        SubmissionStatus = "runtime_error"
	SubmissionTimeLimitExceeded   SubmissionStatus = "time_limit_exceeded"
	SubmissionMemoryLimitExceeded SubmissionStatus = "memory_limit_exceeded"
	SubmissionCompilationError    SubmissionStatus = "compilation_error"
	SubmissionPending             SubmissionStatus = "pending"
)

type TestResult struct {
	TestCase int
	Output   string
	Expected string
	Match    bool
	Error    string
	Status   SubmissionStatus
	Time     time.Duration
	Memory   string
}

// SubmissionResult is the outcome of one submit call. It is never mutated after creation.
type SubmissionResult struct {
	SubmissionID  string
	Status        SubmissionStatus
	Output        string
	ExecutionTime time.Duration
	Memory        string
	Tests         []TestResult

	// SessionEnded is set when this submission won the match.
	SessionEnded bool
	Winner       string
	Leaderboard  []LeaderboardEntry
}

// Submission is a solution attempt for a session's problem.
type Submission struct {
	ProblemID string
	Code      string
	Language  string
}

// StatusReport is the REST view of a session used to reconcile the projection before push events arrive.
type StatusReport struct {
	ParticipantsCount     int
	HasEnoughParticipants bool
	ReadyCount            int
	AllReady              bool
	Started               bool
}

// Snapshot is a consistent copy of a session projection handed to observers.
type Snapshot struct {
	SessionID string
	Status    Status

	Self         Participant
	ReadyPending bool
	Participants []Participant

	ParticipantsCount     int
	HasEnoughParticipants bool
	ReadyCount            int
	AllReady              bool

	Problem          *Problem
	StartTime        time.Time
	Duration         time.Duration
	RemainingSeconds int

	Leaderboard []LeaderboardEntry
	Winner      string
	Detail      string

	Disconnected   bool
	SubmitInFlight bool
	LastError      error
}

// CanStart reports whether the local participant may issue a start command.
func (s Snapshot) CanStart() bool {
	return s.Self.Host && s.HasEnoughParticipants && s.AllReady && !s.ReadyPending && s.Status.PreStart()
}
