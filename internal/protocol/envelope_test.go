package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := NewRequest("inst_1", SandboxToHost, "s-1", "register_tool", json.RawMessage(`{"name":"echo"}`))

	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if got.Channel != Channel || got.InstanceID != "inst_1" || got.Kind != KindRequest {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.RequestID != "s-1" || got.Method != "register_tool" {
		t.Errorf("request fields lost: %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode() accepted garbage input")
	}
}

func TestValidate(t *testing.T) {
	valid := NewRequest("inst_1", SandboxToHost, "s-1", "toast", nil)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
		want   RejectReason
	}{
		{
			name:   "valid request",
			mutate: func(e *Envelope) {},
			want:   RejectNone,
		},
		{
			name:   "wrong channel",
			mutate: func(e *Envelope) { e.Channel = "pi-ext-0" },
			want:   RejectChannel,
		},
		{
			name:   "wrong instance",
			mutate: func(e *Envelope) { e.InstanceID = "inst_other" },
			want:   RejectInstance,
		},
		{
			name:   "wrong direction",
			mutate: func(e *Envelope) { e.Direction = HostToSandbox },
			want:   RejectDirection,
		},
		{
			name:   "unknown kind",
			mutate: func(e *Envelope) { e.Kind = "command" },
			want:   RejectKind,
		},
		{
			name:   "request missing id",
			mutate: func(e *Envelope) { e.RequestID = "" },
			want:   RejectShape,
		},
		{
			name:   "request missing method",
			mutate: func(e *Envelope) { e.Method = "" },
			want:   RejectShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid
			tt.mutate(&env)
			if got := Validate(env, "inst_1", SandboxToHost); got != tt.want {
				t.Errorf("Validate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateResponseAndEventShapes(t *testing.T) {
	resp := NewResponse("inst_1", HostToSandbox, "h-1", json.RawMessage(`{}`))
	if got := Validate(resp, "inst_1", HostToSandbox); got != RejectNone {
		t.Errorf("valid response rejected: %q", got)
	}

	resp.RequestID = ""
	if got := Validate(resp, "inst_1", HostToSandbox); got != RejectShape {
		t.Errorf("response without requestId accepted: %q", got)
	}

	ev := NewEvent("inst_1", HostToSandbox, "agent_event", nil)
	if got := Validate(ev, "inst_1", HostToSandbox); got != RejectNone {
		t.Errorf("valid event rejected: %q", got)
	}

	ev.Event = ""
	if got := Validate(ev, "inst_1", HostToSandbox); got != RejectShape {
		t.Errorf("event without name accepted: %q", got)
	}
}
