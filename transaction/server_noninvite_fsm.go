package transaction

import "time"

// Non-INVITE server transaction, RFC 3261 §17.2.2, Figure 8: Trying ->
// Proceeding -> Completed -> Terminated.

func (tx *ServerTx) trying(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerReplyProvisional:
		tx.stateFn, next = tx.proceeding, tx.doReply
	case evServerReplySuccess, evServerReplyFailure:
		tx.stateFn, next = tx.completed, tx.doReplyFinal
	case evServerTransportErr:
		tx.stateFn, next = tx.terminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) proceeding(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerRequestRetransmit, evServerReplyProvisional:
		tx.stateFn, next = tx.proceeding, tx.doReply
	case evServerReplySuccess, evServerReplyFailure:
		tx.stateFn, next = tx.completed, tx.doReplyFinal
	case evServerTransportErr:
		tx.stateFn, next = tx.terminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) completed(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerRequestRetransmit:
		tx.stateFn, next = tx.completed, tx.doReply
	case evServerTimerJ:
		tx.stateFn, next = tx.terminated, tx.doCleanup
	case evServerTransportErr:
		tx.stateFn, next = tx.terminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) terminated(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerDelete:
		tx.stateFn, next = tx.terminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) doReplyFinal() txEvent {
	if err := tx.passResp(); err != nil {
		return evServerTransportErr
	}

	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(Timer_J, func() {
		tx.drive(evServerTimerJ)
	})
	tx.mu.Unlock()
	return evNone
}
