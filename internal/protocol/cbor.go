package protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// cborFrame is the CBOR wire shape used on byte streams. Data is a CBOR
// byte string, so stream transports carry raw terminal bytes untouched.
type cborFrame struct {
	Type     string `cbor:"type"`
	ShellID  int64  `cbor:"shellId,omitempty"`
	Cols     uint16 `cbor:"cols,omitempty"`
	Rows     uint16 `cbor:"rows,omitempty"`
	Data     []byte `cbor:"data,omitempty"`
	ExitCode int    `cbor:"exitCode,omitempty"`
	Code     string `cbor:"code,omitempty"`
	Message  string `cbor:"message,omitempty"`
}

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func toCBORFrame(m Message) cborFrame {
	return cborFrame{
		Type:     m.Type,
		ShellID:  m.ShellID,
		Cols:     m.Cols,
		Rows:     m.Rows,
		Data:     m.Data,
		ExitCode: m.ExitCode,
		Code:     m.ErrorCode,
		Message:  m.ErrorMessage,
	}
}

func fromCBORFrame(f cborFrame) Message {
	return Message{
		Type:         f.Type,
		ShellID:      f.ShellID,
		Cols:         f.Cols,
		Rows:         f.Rows,
		Data:         f.Data,
		ExitCode:     f.ExitCode,
		ErrorCode:    f.Code,
		ErrorMessage: f.Message,
	}
}

// MarshalCBOR encodes a single message.
func MarshalCBOR(m Message) ([]byte, error) {
	return encMode.Marshal(toCBORFrame(m))
}

// UnmarshalCBOR decodes and validates a single message. Every failure wraps
// ErrMalformed.
func UnmarshalCBOR(data []byte) (Message, error) {
	var frame cborFrame
	if err := decMode.Unmarshal(data, &frame); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := fromCBORFrame(frame)
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// StreamEncoder writes messages as a CBOR sequence. Safe for concurrent use.
type StreamEncoder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func NewStreamEncoder(w io.Writer) *StreamEncoder {
	return &StreamEncoder{enc: encMode.NewEncoder(w)}
}

func (e *StreamEncoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(toCBORFrame(m)); err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return nil
}

// StreamDecoder reads messages from a CBOR sequence.
type StreamDecoder struct {
	dec *cbor.Decoder
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: decMode.NewDecoder(r)}
}

// Decode reads the next message. Stream errors (EOF, broken framing) are
// returned as-is and end the stream; a well-formed item that is not a valid
// message returns an error wrapping ErrMalformed and the stream stays usable.
func (d *StreamDecoder) Decode() (Message, error) {
	// Decoding into a raw item first always consumes exactly one data item,
	// so a type mismatch inside it cannot desynchronize the stream.
	var raw cbor.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return Message{}, err
	}
	return UnmarshalCBOR(raw)
}
