package session

// Phase is the server-side control state machine position (§4.3).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseParamExchange
	PhaseCreateStreams
	PhaseTestStart
	PhaseTestRunning
	PhaseTestEnd
	PhaseExchangeResults
	PhaseDisplayResults
	PhaseIperfDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseParamExchange:
		return "PARAM_EXCHANGE"
	case PhaseCreateStreams:
		return "CREATE_STREAMS"
	case PhaseTestStart:
		return "TEST_START"
	case PhaseTestRunning:
		return "TEST_RUNNING"
	case PhaseTestEnd:
		return "TEST_END"
	case PhaseExchangeResults:
		return "EXCHANGE_RESULTS"
	case PhaseDisplayResults:
		return "DISPLAY_RESULTS"
	case PhaseIperfDone:
		return "IPERF_DONE"
	default:
		return "UNKNOWN"
	}
}

// transitions encodes the permitted successor set per phase, per the
// diagram in §4.3. CLIENT_TERMINATE is handled separately (it is valid
// from any phase and is checked first by CanTransition).
var transitions = map[Phase]map[Phase]bool{
	PhaseIdle:            {PhaseParamExchange: true},
	PhaseParamExchange:   {PhaseCreateStreams: true, PhaseIdle: true}, // ok, or denied(busy)
	PhaseCreateStreams:   {PhaseTestStart: true},
	PhaseTestStart:       {PhaseTestRunning: true},
	PhaseTestRunning:     {PhaseTestEnd: true, PhaseDisplayResults: true}, // CLIENT_TERMINATE shortcut
	PhaseTestEnd:         {PhaseExchangeResults: true},
	PhaseExchangeResults: {PhaseDisplayResults: true},
	PhaseDisplayResults:  {PhaseIperfDone: true},
	PhaseIperfDone:       {PhaseIdle: true},
}

// CanTransition reports whether moving from cur to next is permitted.
// CLIENT_TERMINATE's "any phase -> DISPLAY_RESULTS" rule is modeled as
// always-allowed here; callers drive it explicitly rather than via the
// client-announced phase byte.
func CanTransition(cur, next Phase) bool {
	if next == PhaseDisplayResults && cur != PhaseIdle {
		return true
	}
	allowed, ok := transitions[cur]
	if !ok {
		return false
	}
	return allowed[next]
}
