package transaction

import "time"

// INVITE client transaction, RFC 3261 §17.1.1, Figure 5: Calling ->
// Proceeding -> {Completed | Accepted} -> Terminated.

func (tx *ClientTx) inviteCalling(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientProvisional:
		tx.stateFn, next = tx.inviteProceeding, tx.doDeliverProvisional
	case evClientSuccess:
		tx.stateFn, next = tx.inviteAccepted, tx.doDeliverAcceptedArmTimerM
	case evClientFailure:
		tx.stateFn, next = tx.inviteCompleted, tx.doAckAndDeliver
	case evClientCancelRequested:
		tx.stateFn, next = tx.inviteCalling, tx.doSendCancel
	case evClientCanceled:
		tx.stateFn, next = tx.inviteCalling, tx.doNoop
	case evClientTimerA:
		tx.stateFn, next = tx.inviteCalling, tx.doRetransmitInvite
	case evClientTimerB:
		tx.stateFn, next = tx.inviteTerminated, tx.doTimeout
	case evClientTransportErr:
		tx.stateFn, next = tx.inviteTerminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) inviteProceeding(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientProvisional:
		tx.stateFn, next = tx.inviteProceeding, tx.doDeliver
	case evClientSuccess:
		tx.stateFn, next = tx.inviteAccepted, tx.doDeliverAcceptedArmTimerM
	case evClientFailure:
		tx.stateFn, next = tx.inviteCompleted, tx.doAckAndDeliver
	case evClientCancelRequested:
		tx.stateFn, next = tx.inviteProceeding, tx.doSendCancelRearmTimerB
	case evClientCanceled:
		tx.stateFn, next = tx.inviteProceeding, tx.doNoop
	case evClientTimerB:
		tx.stateFn, next = tx.inviteTerminated, tx.doTimeout
	case evClientTransportErr:
		tx.stateFn, next = tx.inviteTerminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) inviteCompleted(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientFailure:
		tx.stateFn, next = tx.inviteCompleted, tx.doSendAck
	case evClientTransportErr:
		tx.stateFn, next = tx.inviteTerminated, tx.doTransportError
	case evClientTimerD:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) inviteAccepted(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientSuccess:
		tx.stateFn, next = tx.inviteAccepted, tx.doDeliver
	case evClientTransportErr:
		tx.stateFn, next = tx.inviteAccepted, tx.doTransportErrorKeepAlive
	case evClientTimerM:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ClientTx) inviteTerminated(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evClientDelete:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

// doTransportErrorKeepAlive reports the failure without tearing the
// transaction down: Accepted keeps absorbing 2xx retransmissions until
// Timer M fires (RFC 6026 §8.4).
func (tx *ClientTx) doTransportErrorKeepAlive() txEvent {
	tx.doTransportError()
	return evNone
}

func (tx *ClientTx) doRetransmitInvite() txEvent {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	tx.timer_a.Reset(tx.timer_a_time)
	tx.mu.Unlock()

	tx.resend()
	return evNone
}

func (tx *ClientTx) doNoop() txEvent {
	return evNone
}

func (tx *ClientTx) doDeliverProvisional() txEvent {
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) doAckAndDeliver() txEvent {
	tx.ack()
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.drive(evClientTimerD)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) doSendCancel() txEvent {
	tx.cancel()
	return evNone
}

func (tx *ClientTx) doSendCancelRearmTimerB() txEvent {
	tx.cancel()

	tx.mu.Lock()
	if tx.timer_b != nil {
		tx.timer_b.Stop()
	}
	tx.timer_b = time.AfterFunc(Timer_B, func() {
		tx.drive(evClientTimerB)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) doSendAck() txEvent {
	tx.ack()
	return evNone
}

func (tx *ClientTx) doDeliverAcceptedArmTimerM() txEvent {
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	tx.timer_m = time.AfterFunc(Timer_M, func() {
		select {
		case <-tx.done:
			return
		default:
		}
		tx.drive(evClientTimerM)
	})
	tx.mu.Unlock()
	return evNone
}
