package tunnel

// Channel names for yamux stream multiplexing. Each stream begins with a
// one-line header naming its channel (e.g. "terminal\n"); the server-side
// router reads it and dispatches the stream.
const (
	ChannelTerminal = "terminal"
	ChannelPing     = "ping"
)

const maxChannelHeader = 64
