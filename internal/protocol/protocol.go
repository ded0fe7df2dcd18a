// Package protocol defines the fixed vocabulary of messages exchanged over a
// single terminal connection between a client and the session multiplexer.
//
// A connection carries exactly one shell binding. The client opens with
// init, waits for ready, and only then sends input and resize. The
// multiplexer streams output in production order and finishes with exit
// when the shell process terminates. An error message with code
// already_connected is the one rejection a client must never retry on its own.
//
// Two encodings are provided: WebSocket frames, with data as raw binary
// frames and control messages as JSON text ([MarshalFrame],
// [UnmarshalFrame]), and a CBOR sequence for byte-stream transports
// ([NewStreamEncoder], [NewStreamDecoder]).
package protocol

import (
	"errors"
	"fmt"
)

// Client → multiplexer message types.
const (
	TypeInit   = "init"
	TypeInput  = "input"
	TypeResize = "resize"
)

// Multiplexer → client message types.
const (
	TypeReady  = "ready"
	TypeOutput = "output"
	TypeExit   = "exit"
	TypeError  = "error"
)

// Error codes carried by error messages. Only CodeAlreadyConnected
// suppresses client retries.
const (
	CodeAlreadyConnected = "already_connected"
	CodeShellNotFound    = "shell_not_found"
	CodeInvalidMessage   = "invalid_message"
	CodeNotInitialized   = "not_initialized"
)

// ErrMalformed is wrapped by every decode or validation failure. A malformed
// frame is logged and skipped; it never tears down a healthy binding.
var ErrMalformed = errors.New("malformed message")

// Message is one protocol message. Which fields are meaningful depends on
// Type:
//
//	init    ShellID, Cols, Rows
//	input   Data
//	resize  Cols, Rows
//	ready   -
//	output  Data
//	exit    ExitCode
//	error   ErrorCode, ErrorMessage
type Message struct {
	Type         string
	ShellID      int64
	Cols         uint16
	Rows         uint16
	Data         []byte
	ExitCode     int
	ErrorCode    string
	ErrorMessage string
}

func Init(shellID int64, cols, rows uint16) Message {
	return Message{Type: TypeInit, ShellID: shellID, Cols: cols, Rows: rows}
}

func Input(data []byte) Message {
	return Message{Type: TypeInput, Data: data}
}

func Resize(cols, rows uint16) Message {
	return Message{Type: TypeResize, Cols: cols, Rows: rows}
}

func Ready() Message {
	return Message{Type: TypeReady}
}

func Output(data []byte) Message {
	return Message{Type: TypeOutput, Data: data}
}

func Exit(code int) Message {
	return Message{Type: TypeExit, ExitCode: code}
}

// Error builds an error message. message is a human-readable description;
// clients switch on code only.
func Error(code, message string) Message {
	return Message{Type: TypeError, ErrorCode: code, ErrorMessage: message}
}

// IsAlreadyConnected reports whether m is the ownership-conflict rejection.
func (m Message) IsAlreadyConnected() bool {
	return m.Type == TypeError && m.ErrorCode == CodeAlreadyConnected
}

// Validate checks that m is a known type carrying its required fields.
// Errors wrap ErrMalformed.
func (m Message) Validate() error {
	switch m.Type {
	case TypeInit:
		if m.ShellID <= 0 {
			return fmt.Errorf("%w: init requires a positive shellId", ErrMalformed)
		}
	case TypeResize:
		if m.Cols == 0 || m.Rows == 0 {
			return fmt.Errorf("%w: resize requires non-zero cols and rows", ErrMalformed)
		}
	case TypeError:
		if m.ErrorCode == "" {
			return fmt.Errorf("%w: error requires a code", ErrMalformed)
		}
	case TypeInput, TypeReady, TypeOutput, TypeExit:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// FromClient reports whether the message type may be sent by a client.
func (m Message) FromClient() bool {
	switch m.Type {
	case TypeInit, TypeInput, TypeResize:
		return true
	}
	return false
}

func (m Message) String() string {
	switch m.Type {
	case TypeInit:
		return fmt.Sprintf("init(shell=%d %dx%d)", m.ShellID, m.Cols, m.Rows)
	case TypeInput, TypeOutput:
		return fmt.Sprintf("%s(%d bytes)", m.Type, len(m.Data))
	case TypeResize:
		return fmt.Sprintf("resize(%dx%d)", m.Cols, m.Rows)
	case TypeExit:
		return fmt.Sprintf("exit(%d)", m.ExitCode)
	case TypeError:
		return fmt.Sprintf("error(%s: %s)", m.ErrorCode, m.ErrorMessage)
	}
	return m.Type
}
