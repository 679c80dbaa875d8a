package types

// OrchestratorState is the per-turn state of the agent orchestrator.
//
//	awaiting_input -> planning -> (retrieving | tool_dispatch)* -> responding -> awaiting_input
type OrchestratorState string

const (
	OrchestratorStateAwaitingInput OrchestratorState = "awaiting_input"
	OrchestratorStatePlanning      OrchestratorState = "planning"
	OrchestratorStateRetrieving    OrchestratorState = "retrieving"
	OrchestratorStateToolDispatch  OrchestratorState = "tool_dispatch"
	OrchestratorStateResponding    OrchestratorState = "responding"
)

// String returns the string representation of the orchestrator state
func (s OrchestratorState) String() string {
	return string(s)
}

// CanTransition reports whether moving from s to next is allowed
func (s OrchestratorState) CanTransition(next OrchestratorState) bool {
	switch s {
	case OrchestratorStateAwaitingInput:
		return next == OrchestratorStatePlanning
	case OrchestratorStatePlanning:
		return next == OrchestratorStateRetrieving ||
			next == OrchestratorStateToolDispatch ||
			next == OrchestratorStateResponding
	case OrchestratorStateRetrieving, OrchestratorStateToolDispatch:
		return next == OrchestratorStatePlanning ||
			next == OrchestratorStateRetrieving ||
			next == OrchestratorStateToolDispatch ||
			next == OrchestratorStateResponding
	case OrchestratorStateResponding:
		return next == OrchestratorStateAwaitingInput
	default:
		return false
	}
}
