package transaction

import "time"

// Non-INVITE client transaction, RFC 3261 §17.1.2, Figure 6: Trying ->
// Proceeding -> Completed -> Terminated. Named "calling" here to mirror the
// INVITE machine's state function; semantically it is Trying.

func (tx *ClientTx) calling(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientProvisional:
		tx.stateFn, next = tx.proceeding, tx.doDeliver
	case evClientSuccess, evClientFailure:
		tx.stateFn, next = tx.completed, tx.doDeliverFinal
	case evClientTimerA:
		tx.stateFn, next = tx.calling, tx.doRetransmit
	case evClientTimerB:
		tx.stateFn, next = tx.terminated, tx.doTimeout
	case evClientTransportErr:
		tx.stateFn, next = tx.terminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) proceeding(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientProvisional:
		tx.stateFn, next = tx.proceeding, tx.doDeliver
	case evClientSuccess, evClientFailure:
		tx.stateFn, next = tx.completed, tx.doDeliverFinal
	case evClientTimerA:
		tx.stateFn, next = tx.proceeding, tx.doRetransmit
	case evClientTimerB:
		tx.stateFn, next = tx.terminated, tx.doTimeout
	case evClientTransportErr:
		tx.stateFn, next = tx.terminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) completed(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientDelete, evClientTimerD:
		tx.stateFn, next = tx.terminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) terminated(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientDelete:
		tx.stateFn, next = tx.terminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) doDeliverFinal() txEvent {
	tx.passUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	if tx.timer_d_time > 0 {
		tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
			tx.drive(evClientTimerD)
		})
		return evNone
	}
	return evClientDelete
}

func (tx *ClientTx) doRetransmit() txEvent {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	tx.timer_a.Reset(tx.timer_a_time)
	tx.mu.Unlock()

	tx.resend()
	return evNone
}
