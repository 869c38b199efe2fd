package wire

// Channel identifies one of the five logical sockets of a kernel session.
type Channel int

const (
	ChannelShell Channel = iota
	ChannelIOPub
	ChannelControl
	ChannelStdin
	ChannelHeartbeat
)

// String returns the protocol name of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelShell:
		return "shell"
	case ChannelIOPub:
		return "iopub"
	case ChannelControl:
		return "control"
	case ChannelStdin:
		return "stdin"
	case ChannelHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ChannelFor returns the outbound channel for a message type. Interrupt
// and shutdown requests travel on the priority control channel so they are
// not stuck behind a long-running execute; input replies answer the stdin
// channel; everything else goes to shell.
func ChannelFor(msgType string) Channel {
	switch msgType {
	case MsgTypeInterruptRequest, MsgTypeShutdownRequest:
		return ChannelControl
	case MsgTypeInputReply:
		return ChannelStdin
	default:
		return ChannelShell
	}
}
