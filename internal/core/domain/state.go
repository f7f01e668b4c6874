package domain

import "fmt"

// Event drives a payment record from one status to the next. Network
// callbacks, gateway webhooks and client redemptions all funnel through Next.
type Event string

const (
	EventAuthorize      Event = "authorize"       // created already in flight: approved card authorization or top-up
	EventOpen           Event = "open"            // redeemable record created; starts pending
	EventClaim          Event = "claim"           // pending -> processing, the at-most-one-winner step
	EventReject         Event = "reject"          // validation failure before any external call
	EventComplete       Event = "complete"        // ledger applied and payout recorded, or none needed
	EventDecline        Event = "decline"         // network finalized the authorization as declined
	EventAbort          Event = "abort"           // failure after claim, before a durable side effect
	EventTransferPaid   Event = "transfer_paid"   // gateway reports the payout landed
	EventTransferFailed Event = "transfer_failed" // gateway reports the payout failed
)

// IllegalTransitionError reports a (status, event) pair with no edge.
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %q on %q", e.Event, e.From)
}

type edge struct {
	from  Status
	event Event
}

var transitions = map[edge]Status{
	{"", EventAuthorize}:                    StatusProcessing,
	{"", EventOpen}:                         StatusPending,
	{StatusPending, EventClaim}:             StatusProcessing,
	{StatusPending, EventReject}:            StatusFailed,
	{StatusProcessing, EventComplete}:       StatusSucceeded,
	{StatusProcessing, EventDecline}:        StatusFailed,
	{StatusProcessing, EventAbort}:          StatusFailed,
	{StatusProcessing, EventTransferPaid}:   StatusSucceeded,
	{StatusProcessing, EventTransferFailed}: StatusFailed,
	{StatusSucceeded, EventTransferFailed}:  StatusFailed, // only with a matching transfer ref
}

// Next returns the status reached by applying ev to from.
func Next(from Status, ev Event) (Status, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return "", &IllegalTransitionError{From: from, Event: ev}
	}
	return to, nil
}

// InitialStatus is the status a record is created in for a creation event.
func InitialStatus(ev Event) (Status, error) {
	return Next("", ev)
}
