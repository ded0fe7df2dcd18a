package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonFrame is the JSON wire shape. "code" is an integer on exit and a
// string on error, so it is kept raw until the type is known.
type jsonFrame struct {
	Type    string          `json:"type"`
	ShellID int64           `json:"shellId,omitempty"`
	Cols    uint16          `json:"cols,omitempty"`
	Rows    uint16          `json:"rows,omitempty"`
	Data    string          `json:"data,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// MarshalJSON encodes m as a JSON text frame. Data is carried as a string,
// which only round-trips valid UTF-8; WebSocket peers send data messages
// through MarshalFrame instead.
func MarshalJSON(m Message) ([]byte, error) {
	frame := jsonFrame{
		Type:    m.Type,
		ShellID: m.ShellID,
		Cols:    m.Cols,
		Rows:    m.Rows,
		Data:    string(m.Data),
		Message: m.ErrorMessage,
	}
	switch m.Type {
	case TypeExit:
		frame.Code = json.RawMessage(strconv.Itoa(m.ExitCode))
	case TypeError:
		code, err := json.Marshal(m.ErrorCode)
		if err != nil {
			return nil, fmt.Errorf("marshal error code: %w", err)
		}
		frame.Code = code
	}
	return json.Marshal(frame)
}

// UnmarshalJSON decodes and validates a JSON text frame. Every failure
// wraps ErrMalformed.
func UnmarshalJSON(data []byte) (Message, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Message{
		Type:         frame.Type,
		ShellID:      frame.ShellID,
		Cols:         frame.Cols,
		Rows:         frame.Rows,
		ErrorMessage: frame.Message,
	}
	if frame.Data != "" {
		m.Data = []byte(frame.Data)
	}

	if len(frame.Code) > 0 {
		switch frame.Type {
		case TypeExit:
			if err := json.Unmarshal(frame.Code, &m.ExitCode); err != nil {
				return Message{}, fmt.Errorf("%w: exit code: %v", ErrMalformed, err)
			}
		case TypeError:
			if err := json.Unmarshal(frame.Code, &m.ErrorCode); err != nil {
				return Message{}, fmt.Errorf("%w: error code: %v", ErrMalformed, err)
			}
		}
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
