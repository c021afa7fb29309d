// Package codec translates between channel frames and domain events. It holds no business logic.
package codec

import (
	"encoding/json"
	"time"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
)

// Frame types as sent by the session service. Some have a second spelling used by older servers.
const (
	TypeReady             = "ready"
	TypeParticipantReady  = "participant_ready"
	TypeStart             = "start"
	TypeSessionStarted    = "session_started"
	TypeSessionEnd        = "session_end"
	TypeGameEnd           = "game_end"
	TypeLeaderboard       = "leaderboard_status"
	TypeError             = "error"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"

	TypeHeartbeat             = "heartbeat"
	TypeConnectionEstablished = "connection_established"
)

type envelope struct {
	Type string `json:"type"`
}

type readyFrame struct {
	AllReady   *bool    `json:"all_ready"`
	ReadyCount int      `json:"ready_count"`
	Profile    *Profile `json:"profile"`
}

type startFrame struct {
	StartTime string   `json:"start_time"`
	Problem   *Problem `json:"problem"`
	Duration  float64  `json:"duration"`
}

type endFrame struct {
	Winner      string           `json:"winner"`
	Detail      string           `json:"detail"`
	Leaderboard []LeaderboardRow `json:"leaderboard"`
}

type leaderboardFrame struct {
	Leaderboard *[]LeaderboardRow `json:"leaderboard"`
}

type errorFrame struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

type participantFrame struct {
	Profile *Profile `json:"profile"`
}

// Decode maps one frame to exactly one event. Control frames (heartbeats, connection
// acknowledgements) decode to a nil event and a nil error. Anything else that cannot be
// mapped yields a MalformedMessage error.
func Decode(data []byte) (event.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(err, "invalid json")
	}

	switch env.Type {
	case TypeHeartbeat, TypeConnectionEstablished:
		return nil, nil

	case TypeReady, TypeParticipantReady:
		var f readyFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, "ready")
		}
		if f.AllReady == nil {
			return nil, malformed(nil, "ready: missing all_ready")
		}

		e := domain.EventReady{ReadyCount: max(f.ReadyCount, 0), AllReady: *f.AllReady}
		if f.Profile != nil {
			p := f.Profile.Domain()
			p.Ready = true
			e.Participant = &p
		}
		return e, nil

	case TypeStart, TypeSessionStarted:
		var f startFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, "start")
		}

		var startTime time.Time
		if f.StartTime != "" {
			t, err := parseTime(f.StartTime)
			if err != nil {
				return nil, malformed(err, "start: start_time")
			}
			startTime = t
		}

		return domain.EventStart{
			StartTime: startTime,
			Problem:   f.Problem.Domain(),
			Duration:  seconds(f.Duration),
		}, nil

	case TypeSessionEnd, TypeGameEnd:
		var f endFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, "session_end")
		}

		return domain.EventSessionEnd{
			Winner:      f.Winner,
			Detail:      f.Detail,
			Leaderboard: Entries(f.Leaderboard),
		}, nil

	case TypeLeaderboard:
		var f leaderboardFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, "leaderboard_status")
		}
		if f.Leaderboard == nil {
			return nil, malformed(nil, "leaderboard_status: missing leaderboard")
		}

		return domain.EventLeaderboard{Entries: Entries(*f.Leaderboard)}, nil

	case TypeError:
		var f errorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, "error")
		}

		msg := f.Message
		if msg == "" {
			msg = f.Detail
		}
		return domain.EventError{Message: msg}, nil

	case TypeParticipantJoined, TypeParticipantLeft:
		var f participantFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, malformed(err, env.Type)
		}
		if f.Profile == nil {
			return nil, malformed(nil, env.Type+": missing profile")
		}

		if env.Type == TypeParticipantJoined {
			return domain.EventParticipantJoined{Participant: f.Profile.Domain()}, nil
		}
		return domain.EventParticipantLeft{Participant: f.Profile.Domain()}, nil

	case "":
		return nil, malformed(nil, "missing type")

	default:
		return nil, errors.New(errors.CodeMalformed, errors.WithMessagef("unknown frame type %q", env.Type))
	}
}

func malformed(cause error, format string) error {
	opts := []errors.Option{errors.WithMessagef("malformed frame: %s", format)}
	if cause != nil {
		opts = append(opts, errors.WithCause(cause))
	}
	return errors.New(errors.CodeMalformed, opts...)
}

// Python's isoformat drops the zone for naive datetimes, so both layouts are accepted.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
