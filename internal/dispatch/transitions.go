package dispatch

// Event drives a lifecycle transition.
type Event string

const (
	EvAssign       Event = "assign"
	EvAdvance      Event = "advance"
	EvExhausted    Event = "exhausted"
	EvDecline      Event = "decline"
	EvAccept       Event = "accept"
	EvNoCandidates Event = "no-candidates"
	EvNoResponse   Event = "no-response"
	EvCancel       Event = "cancel"
	EvForceExpire  Event = "force-expire"
	EvDirectory    Event = "directory-unavailable"
)

// Transition is a single allowed edge in the booking state machine.
type Transition struct {
	From   State
	To     State
	Event  Event
	Reason string
}

var transitionsTable = []Transition{
	// Intake
	{From: StatePending, To: StateAssigned, Event: EvAssign},
	{From: StatePending, To: StateExpired, Event: EvNoCandidates, Reason: ReasonNoCandidates},
	{From: StatePending, To: StateExpired, Event: EvDirectory, Reason: ReasonDirectory},

	// Sequential fallback
	{From: StateAssigned, To: StateAssigned, Event: EvAdvance},
	{From: StateAssigned, To: StateBroadcasting, Event: EvExhausted},
	{From: StateAssigned, To: StateAccepted, Event: EvAccept},
	{From: StateAssigned, To: StateExpired, Event: EvNoResponse, Reason: ReasonNoResponse},

	// Broadcast round
	{From: StateBroadcasting, To: StateBroadcasting, Event: EvDecline},
	{From: StateBroadcasting, To: StateAccepted, Event: EvAccept},
	{From: StateBroadcasting, To: StateExpired, Event: EvNoResponse, Reason: ReasonNoResponse},

	// Requester cancellation
	{From: StatePending, To: StateRejected, Event: EvCancel, Reason: ReasonCancelled},
	{From: StateAssigned, To: StateRejected, Event: EvCancel, Reason: ReasonCancelled},
	{From: StateBroadcasting, To: StateRejected, Event: EvCancel, Reason: ReasonCancelled},

	// Store failures
	{From: StatePending, To: StateExpired, Event: EvForceExpire, Reason: ReasonStoreFailure},
	{From: StateAssigned, To: StateExpired, Event: EvForceExpire, Reason: ReasonStoreFailure},
	{From: StateBroadcasting, To: StateExpired, Event: EvForceExpire, Reason: ReasonStoreFailure},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from State, ev Event) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
