package protocol

// WebSocket framing. Terminal data travels as raw bytes in binary frames,
// so input and output reach the other side byte for byte. Every other
// message is a JSON text frame.

// MarshalFrame encodes m for a WebSocket and reports whether the frame is
// binary. Binary frames alias m.Data.
func MarshalFrame(m Message) (data []byte, binary bool, err error) {
	if m.IsData() {
		return m.Data, true, nil
	}
	data, err = MarshalJSON(m)
	return data, false, err
}

// UnmarshalFrame decodes one WebSocket frame. A binary frame becomes a
// message of dataType: TypeInput on the multiplexer side, TypeOutput on the
// client side. Text frames go through UnmarshalJSON.
func UnmarshalFrame(data []byte, binary bool, dataType string) (Message, error) {
	if binary {
		return Message{Type: dataType, Data: data}, nil
	}
	return UnmarshalJSON(data)
}

// IsData reports whether m carries terminal bytes.
func (m Message) IsData() bool {
	return m.Type == TypeInput || m.Type == TypeOutput
}
