package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/balcao/internal/vad"
)

// Application close codes sent to the client.
const (
	// CloseInvalidKey rejects an unknown, disabled or missing API key.
	CloseInvalidKey websocket.StatusCode = 4001

	// CloseAdmissionRejected rejects a connection while the server is
	// overloaded. The close reason carries the guard's explanation.
	CloseAdmissionRejected websocket.StatusCode = 4003
)

// maxCloseReason is the longest close reason a control frame can carry.
const maxCloseReason = 123

// controlMessage is the first text message of a connection.
type controlMessage struct {
	APIKey      string        `json:"api_key"`
	VADSettings vad.Overrides `json:"vad_settings"`
}

// errMissingKey is returned by parseControl when api_key is absent or empty.
var errMissingKey = errors.New("missing api_key")

// parseControl decodes the control message. A vad_settings object that does
// not decode is dropped and reported through hintErr; the key alone decides
// whether the message is acceptable.
func parseControl(data []byte) (msg controlMessage, hintErr error, err error) {
	var raw struct {
		APIKey      string          `json:"api_key"`
		VADSettings json.RawMessage `json:"vad_settings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return controlMessage{}, nil, fmt.Errorf("decode control message: %w", err)
	}
	if raw.APIKey == "" {
		return controlMessage{}, nil, errMissingKey
	}
	msg.APIKey = raw.APIKey
	if len(raw.VADSettings) > 0 && string(raw.VADSettings) != "null" {
		if err := json.Unmarshal(raw.VADSettings, &msg.VADSettings); err != nil {
			msg.VADSettings = vad.Overrides{}
			hintErr = fmt.Errorf("decode vad_settings: %w", err)
		}
	}
	return msg, hintErr, nil
}

// closeReason truncates s to fit a close frame without splitting a rune.
func closeReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
