package wire

import "testing"

func TestChannelFor(t *testing.T) {
	cases := map[string]Channel{
		MsgTypeExecuteRequest:    ChannelShell,
		MsgTypeKernelInfoRequest: ChannelShell,
		MsgTypeInterruptRequest:  ChannelControl,
		MsgTypeShutdownRequest:   ChannelControl,
		MsgTypeInputReply:        ChannelStdin,
	}
	for msgType, want := range cases {
		if got := ChannelFor(msgType); got != want {
			t.Errorf("ChannelFor(%s) = %s, want %s", msgType, got, want)
		}
	}
}

func TestChannelString(t *testing.T) {
	if ChannelIOPub.String() != "iopub" {
		t.Fatalf("unexpected name %q", ChannelIOPub.String())
	}
	if Channel(99).String() != "unknown" {
		t.Fatalf("expected unknown for out-of-range channel")
	}
}
