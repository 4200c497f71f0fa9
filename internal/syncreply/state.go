package syncreply

// Phase is the per-sender reply state.
type Phase int

const (
	// PhaseIdle means no pending state exists for the sender.
	PhaseIdle Phase = iota
	// PhaseThinking means the task is running and nothing is cached yet.
	PhaseThinking
	// PhasePartiallyDelivered means the task finished and chunks remain cached.
	PhasePartiallyDelivered
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseThinking:
		return "thinking"
	case PhasePartiallyDelivered:
		return "partially_delivered"
	default:
		return "unknown"
	}
}

// Snapshot is the part of a sender's pending state that drives transitions.
type Snapshot struct {
	Present  bool
	MsgID    string
	Cached   int
	TaskDone bool
	Failed   bool
}

// Phase derives the state machine phase from the snapshot.
func (s Snapshot) Phase() Phase {
	switch {
	case !s.Present:
		return PhaseIdle
	case s.TaskDone && s.Cached > 0:
		return PhasePartiallyDelivered
	default:
		return PhaseThinking
	}
}

// Action is what the bridge does with one inbound delivery.
type Action int

const (
	// ActionStart spawns the task and waits up to the budget.
	ActionStart Action = iota
	// ActionDrain pops one cached chunk.
	ActionDrain
	// ActionWait re-waits on the running task up to the budget.
	ActionWait
	// ActionAckEmpty returns an empty acknowledgement.
	ActionAckEmpty
	// ActionFail clears state and returns the generic failure reply.
	ActionFail
	// ActionNudgeThinking returns the running placeholder for the stored message.
	ActionNudgeThinking
	// ActionNudgeBuffered returns the buffered placeholder for the stored message.
	ActionNudgeBuffered
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionDrain:
		return "drain"
	case ActionWait:
		return "wait"
	case ActionAckEmpty:
		return "ack_empty"
	case ActionFail:
		return "fail"
	case ActionNudgeThinking:
		return "nudge_thinking"
	case ActionNudgeBuffered:
		return "nudge_buffered"
	default:
		return "unknown"
	}
}

// Decide maps the current snapshot and an inbound msgID to an action.
// delivered reports whether msgID was already fully answered for this sender.
//
// A different msgID never drains the cache and never starts a task while a
// state is present; only retries of the stored msgID advance it.
func Decide(s Snapshot, msgID string, delivered bool) Action {
	if !s.Present {
		if delivered {
			return ActionAckEmpty
		}
		return ActionStart
	}

	if s.MsgID == msgID {
		switch {
		case s.Cached > 0:
			return ActionDrain
		case s.Failed:
			return ActionFail
		case s.TaskDone:
			return ActionAckEmpty
		default:
			return ActionWait
		}
	}

	switch {
	case s.Failed:
		return ActionFail
	case s.Cached > 0:
		return ActionNudgeBuffered
	default:
		return ActionNudgeThinking
	}
}
