package statusapi

import (
	"time"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/relay"
)

type (
	summaryView struct {
		SessionID        string `json:"session_id"`
		Status           string `json:"status"`
		RemainingSeconds int    `json:"remaining_seconds"`
		Disconnected     bool   `json:"disconnected"`
	}

	participantView struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Ready       bool   `json:"ready"`
		Host        bool   `json:"host"`
	}

	problemView struct {
		ID          string  `json:"id"`
		Title       string  `json:"title"`
		TimeLimit   float64 `json:"time_limit"`
		MemoryLimit int     `json:"memory_limit"`
	}

	sessionView struct {
		SessionID             string                   `json:"session_id"`
		Status                string                   `json:"status"`
		Self                  participantView          `json:"self"`
		ReadyPending          bool                     `json:"ready_pending"`
		Participants          []participantView        `json:"participants"`
		ParticipantsCount     int                      `json:"participants_count"`
		HasEnoughParticipants bool                     `json:"has_enough_participants"`
		ReadyCount            int                      `json:"ready_count"`
		AllReady              bool                     `json:"all_ready"`
		CanStart              bool                     `json:"can_start"`
		Problem               *problemView             `json:"problem,omitempty"`
		StartTime             *time.Time               `json:"start_time,omitempty"`
		DurationSeconds       int                      `json:"duration_seconds"`
		RemainingSeconds      int                      `json:"remaining_seconds"`
		Leaderboard           []relay.LeaderboardEntry `json:"leaderboard"`
		Winner                string                   `json:"winner,omitempty"`
		Detail                string                   `json:"detail,omitempty"`
		Disconnected          bool                     `json:"disconnected"`
		SubmitInFlight        bool                     `json:"submit_in_flight"`
		LastError             string                   `json:"last_error,omitempty"`
	}
)

func summaryOf(s domain.Snapshot) summaryView {
	return summaryView{
		SessionID:        s.SessionID,
		Status:           string(s.Status),
		RemainingSeconds: s.RemainingSeconds,
		Disconnected:     s.Disconnected,
	}
}

func participantOf(p domain.Participant) participantView {
	return participantView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Ready:       p.Ready,
		Host:        p.Host,
	}
}

func sessionOf(s domain.Snapshot) sessionView {
	v := sessionView{
		SessionID:             s.SessionID,
		Status:                string(s.Status),
		Self:                  participantOf(s.Self),
		ReadyPending:          s.ReadyPending,
		Participants:          make([]participantView, 0, len(s.Participants)),
		ParticipantsCount:     s.ParticipantsCount,
		HasEnoughParticipants: s.HasEnoughParticipants,
		ReadyCount:            s.ReadyCount,
		AllReady:              s.AllReady,
		CanStart:              s.CanStart(),
		DurationSeconds:       int(s.Duration / time.Second),
		RemainingSeconds:      s.RemainingSeconds,
		Leaderboard:           relay.Entries(s.Leaderboard),
		Winner:                s.Winner,
		Detail:                s.Detail,
		Disconnected:          s.Disconnected,
		SubmitInFlight:        s.SubmitInFlight,
	}

	for _, p := range s.Participants {
		v.Participants = append(v.Participants, participantOf(p))
	}

	if p := s.Problem; p != nil {
		v.Problem = &problemView{
			ID:          p.ID,
			Title:       p.Title,
			TimeLimit:   p.TimeLimit,
			MemoryLimit: p.MemoryLimit,
		}
	}

	if !s.StartTime.IsZero() {
		t := s.StartTime
		v.StartTime = &t
	}

	if s.LastError != nil {
		v.LastError = s.LastError.Error()
	}

	return v
}
