package transaction

// txEvent is a signal fed into a transaction's state function: an incoming
// message reclassified by the transaction layer, a fired timer, or an
// internal housekeeping signal (delete). txAction is what a state function
// returns once it has reacted to an event: either evNone, or another event
// to run through the same state function immediately (used to chain a
// transport failure straight into cleanup without waiting for a caller to
// drive the machine again).
type txEvent int

// txAction runs the side effect selected for a transition and reports the
// next event to process, or evNone if the machine should simply wait for
// whatever drives it next (a message, a timer).
type txAction func() txEvent

// txStateFn is one state of a transaction's state machine: given the
// current event, it decides the next state (by reassigning tx.stateFn) and
// the txAction to run for the transition.
type txStateFn func(ev txEvent) txEvent

const (
	evNone txEvent = iota

	// ClientTx events. RFC 3261 §17.1 names these via the arrows on Figure
	// 5 (INVITE) and Figure 6 (non-INVITE): a provisional/final response
	// class, a timer firing, or the transport/TU signaling CANCEL.
	evClientProvisional
	evClientSuccess
	evClientFailure
	evClientTimerA // request retransmission (unreliable transport only)
	evClientTimerB // transaction timeout
	evClientTimerD // absorb late non-2xx retransmissions, then delete
	evClientTimerM // RFC 6026 - absorb late 2xx retransmissions, then delete
	evClientTransportErr
	evClientDelete
	evClientCancelRequested // TU asked this transaction to send CANCEL
	evClientCanceled        // CANCEL accepted with a 2xx of its own

	// ServerTx events, RFC 3261 §17.2 Figure 7 (INVITE) and Figure 8
	// (non-INVITE).
	evServerRequestRetransmit // duplicate of the original request arrived
	evServerAck
	evServerCancel
	evServerReplyProvisional
	evServerReplySuccess
	evServerReplyFailure
	evServerTimerG // retransmit non-2xx final response
	evServerTimerH // no ACK arrived in time
	evServerTimerI // absorb late ACK retransmissions, then delete
	evServerTimerJ // absorb late request retransmissions, then delete
	evServerTimerL // RFC 6026 - keep accepting ACK retransmissions, then delete
	evServerTransportErr
	evServerDelete
)
