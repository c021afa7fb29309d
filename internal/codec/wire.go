package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/codeduel/internal/domain"
)

// ID accepts both numeric and string identifiers, the session service uses integer primary keys.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type Profile struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	IsReady     bool   `json:"is_ready"`
}

func (p Profile) Domain() domain.Participant {
	name := p.DisplayName
	if name == "" {
		name = p.Username
	}

	return domain.Participant{
		ID:          string(p.ID),
		DisplayName: name,
		Ready:       p.IsReady,
	}
}

type Problem struct {
	ID          ID      `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	TimeLimit   float64 `json:"time_limit"`
	MemoryLimit int     `json:"memory_limit"`
}

func (p *Problem) Domain() *domain.Problem {
	if p == nil {
		return nil
	}

	return &domain.Problem{
		ID:          string(p.ID),
		Title:       p.Title,
		Description: p.Description,
		TimeLimit:   p.TimeLimit,
		MemoryLimit: p.MemoryLimit,
	}
}

// LeaderboardRow is one row as produced by the session service. Both the long form
// (profile_id, username, total_time) and the short form (user, elapsed_time) are accepted.
type LeaderboardRow struct {
	ProfileID      ID              `json:"profile_id"`
	Username       string          `json:"username"`
	User           string          `json:"user"`
	ProblemsSolved int             `json:"problems_solved"`
	TotalTime      *float64        `json:"total_time"`
	ElapsedTime    *float64        `json:"elapsed_time"`
	Score          decimal.Decimal `json:"score"`
}

func (r LeaderboardRow) Domain() domain.LeaderboardEntry {
	name := r.Username
	if name == "" {
		name = r.User
	}

	id := string(r.ProfileID)
	if id == "" {
		id = name
	}

	var secs float64
	switch {
	case r.TotalTime != nil:
		secs = *r.TotalTime
	case r.ElapsedTime != nil:
		secs = *r.ElapsedTime
	}

	return domain.LeaderboardEntry{
		ParticipantID:  id,
		Username:       name,
		ProblemsSolved: r.ProblemsSolved,
		Elapsed:        seconds(secs),
		Score:          r.Score,
	}
}

// Entries converts rows in the order received. Ranking is up to the caller.
func Entries(rows []LeaderboardRow) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.Domain())
	}
	return entries
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	ns := s * float64(time.Second)
	if ns >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(ns)
}
