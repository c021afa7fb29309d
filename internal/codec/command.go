package codec

import (
	"encoding/json"

	"github.com/victornm/codeduel/internal/errors"
)

type CreateCommand struct {
	Title           string `json:"title,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
	IsPrivate       bool   `json:"is_private,omitempty"`
	AccessCode      string `json:"access_code,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
}

type JoinCommand struct {
	AccessCode string `json:"access_code,omitempty"`
}

type ReadyCommand struct {
	ID string `json:"id"`
}

type SubmitCommand struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

// Encode serializes an outbound command. A nil command encodes to an empty body.
func Encode(cmd any) ([]byte, error) {
	if cmd == nil {
		return nil, nil
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return b, nil
}
