package agent

// Phase is the position of the tool loop state machine.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseExecutingTools   Phase = "executing_tools"
	PhaseCompleted        Phase = "completed"
	PhaseHalted           Phase = "halted"
)

// Terminal reports whether p ends a turn.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseHalted
}
