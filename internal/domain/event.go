package domain

import "time"

// Events pushed by the session service.
const (
	EventNameReady             = "ready"
	EventNameStart             = "start"
	EventNameSessionEnd        = "session_end"
	EventNameLeaderboard       = "leaderboard_status"
	EventNameError             = "error"
	EventNameParticipantJoined = "participant_joined"
	EventNameParticipantLeft   = "participant_left"
)

// Events raised locally by the session machine.
const (
	EventNameStatusChanged = "status.changed"
	EventNameTick          = "timer.tick"
	EventNameDisconnected  = "channel.disconnected"
	EventNameCommandFailed = "command.failed"
)

type EventReady struct {
	// Participant is the one who became ready, when the server says so.
	Participant *Participant
	ReadyCount  int
	AllReady    bool
}

func (EventReady) Name() string { return EventNameReady }

type EventStart struct {
	StartTime time.Time
	Problem   *Problem
	// Duration is zero when the server did not send one.
	Duration time.Duration
}

func (EventStart) Name() string { return EventNameStart }

type EventSessionEnd struct {
	Winner      string
	Detail      string
	Leaderboard []LeaderboardEntry
}

func (EventSessionEnd) Name() string { return EventNameSessionEnd }

type EventLeaderboard struct {
	Entries []LeaderboardEntry
}

func (EventLeaderboard) Name() string { return EventNameLeaderboard }

type EventError struct {
	Message string
}

func (EventError) Name() string { return EventNameError }

type EventParticipantJoined struct {
	Participant Participant
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventParticipantLeft struct {
	Participant Participant
}

func (EventParticipantLeft) Name() string { return EventNameParticipantLeft }

type EventStatusChanged struct {
	From     Status
	To       Status
	Snapshot Snapshot
}

func (EventStatusChanged) Name() string { return EventNameStatusChanged }

type EventTick struct {
	RemainingSeconds int
}

func (EventTick) Name() string { return EventNameTick }

type EventDisconnected struct {
	Err error
}

func (EventDisconnected) Name() string { return EventNameDisconnected }

type EventCommandFailed struct {
	Command string
	Err     error
}

func (EventCommandFailed) Name() string { return EventNameCommandFailed }
