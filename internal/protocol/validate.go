package protocol

// RejectReason explains why an incoming envelope was ignored. Reasons feed
// metrics only; rejected messages are never answered.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectChannel   RejectReason = "channel_mismatch"
	RejectInstance  RejectReason = "instance_mismatch"
	RejectDirection RejectReason = "direction_mismatch"
	RejectKind      RejectReason = "unknown_kind"
	RejectShape     RejectReason = "malformed_shape"
)

// Validate performs the identity and shape checks on an incoming envelope.
// The source-identity check is structural in this runtime: each realm owns a
// private channel pair, so arrival on the pair already establishes the
// sender. Everything else is verified here. A non-empty reason means the
// message must be dropped without a response.
func Validate(env Envelope, wantInstance string, wantDirection Direction) RejectReason {
	if env.Channel != Channel {
		return RejectChannel
	}
	if env.InstanceID != wantInstance {
		return RejectInstance
	}
	if env.Direction != wantDirection {
		return RejectDirection
	}
	switch env.Kind {
	case KindRequest:
		if env.RequestID == "" || env.Method == "" {
			return RejectShape
		}
	case KindResponse:
		if env.RequestID == "" {
			return RejectShape
		}
	case KindEvent:
		if env.Event == "" {
			return RejectShape
		}
	default:
		return RejectKind
	}
	return RejectNone
}
