package relay

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/codeduel/internal/domain"
)

type (
	// Notification is the payload published on a session channel.
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Status struct {
		SessionID         string `json:"session_id"`
		From              string `json:"from"`
		To                string `json:"to"`
		ParticipantsCount int    `json:"participants_count"`
		ReadyCount        int    `json:"ready_count"`
		AllReady          bool   `json:"all_ready"`
		RemainingSeconds  int    `json:"remaining_seconds"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank           int    `json:"rank"`
		ParticipantID  string `json:"participant_id"`
		Username       string `json:"username"`
		ProblemsSolved int    `json:"problems_solved"`
		FormattedTime  string `json:"formatted_time"`
		Score          string `json:"score"`
	}

	End struct {
		SessionID string `json:"session_id"`
		Winner    string `json:"winner"`
		Detail    string `json:"detail,omitempty"`
	}

	Failure struct {
		SessionID string `json:"session_id"`
		Command   string `json:"command,omitempty"`
		Error     string `json:"error"`
	}

	// Result is the stored outcome of a session that reached a terminal status.
	Result struct {
		SessionID   string             `json:"session_id"`
		Status      string             `json:"status"`
		Winner      string             `json:"winner,omitempty"`
		Detail      string             `json:"detail,omitempty"`
		ProblemID   string             `json:"problem_id,omitempty"`
		StartTime   time.Time          `json:"start_time"`
		Leaderboard []LeaderboardEntry `json:"leaderboard"`
		RecordTime  time.Time          `json:"record_time"`
	}
)

func statusOf(sessionID string, e domain.EventStatusChanged) Status {
	s := e.Snapshot
	return Status{
		SessionID:         sessionID,
		From:              string(e.From),
		To:                string(e.To),
		ParticipantsCount: s.ParticipantsCount,
		ReadyCount:        s.ReadyCount,
		AllReady:          s.AllReady,
		RemainingSeconds:  s.RemainingSeconds,
	}
}

func leaderboardOf(sessionID string, ranked []domain.LeaderboardEntry) Leaderboard {
	return Leaderboard{
		SessionID: sessionID,
		Entries:   Entries(ranked),
	}
}

// Entries converts ranked standings to their wire form.
func Entries(ranked []domain.LeaderboardEntry) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(ranked))
	for _, e := range ranked {
		entries = append(entries, LeaderboardEntry{
			Rank:           e.Rank,
			ParticipantID:  e.ParticipantID,
			Username:       e.Username,
			ProblemsSolved: e.ProblemsSolved,
			FormattedTime:  e.FormattedTime(),
			Score:          e.Score.String(),
		})
	}
	return entries
}

func resultOf(sessionID string, s domain.Snapshot, now time.Time) Result {
	r := Result{
		SessionID:   sessionID,
		Status:      string(s.Status),
		Winner:      s.Winner,
		Detail:      s.Detail,
		StartTime:   s.StartTime,
		Leaderboard: Entries(s.Leaderboard),
		RecordTime:  now.UTC(),
	}
	if s.Problem != nil {
		r.ProblemID = s.Problem.ID
	}
	return r
}

// storedEntry is one leaderboard row as kept in Redis. Unlike LeaderboardEntry it carries the
// raw elapsed time, which ranking needs to break ties.
type storedEntry struct {
	ParticipantID  string          `json:"participant_id"`
	Username       string          `json:"username"`
	ProblemsSolved int             `json:"problems_solved"`
	ElapsedMillis  int64           `json:"elapsed_ms"`
	Score          decimal.Decimal `json:"score"`
}

func storedEntryOf(e domain.LeaderboardEntry) storedEntry {
	return storedEntry{
		ParticipantID:  e.ParticipantID,
		Username:       e.Username,
		ProblemsSolved: e.ProblemsSolved,
		ElapsedMillis:  e.Elapsed.Milliseconds(),
		Score:          e.Score,
	}
}

func (e storedEntry) domain() domain.LeaderboardEntry {
	return domain.LeaderboardEntry{
		ParticipantID:  e.ParticipantID,
		Username:       e.Username,
		ProblemsSolved: e.ProblemsSolved,
		Elapsed:        time.Duration(e.ElapsedMillis) * time.Millisecond,
		Score:          e.Score,
	}
}
