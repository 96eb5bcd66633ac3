// Originally forked from https://github.com/ghettovoice/gosip by @ghetovoice
package transaction

import "time"

// INVITE server transaction, RFC 3261 §17.2.1, Figure 7: Proceeding ->
// Completed -> Confirmed -> Terminated, plus the RFC 6026 Accepted state
// for the 2xx case.

func (tx *ServerTx) inviteProceeding(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerRequestRetransmit:
		tx.stateFn, next = tx.inviteProceeding, tx.doReply
	case evServerCancel:
		tx.stateFn, next = tx.inviteProceeding, tx.doDeliverCancel
	case evServerReplyProvisional:
		tx.stateFn, next = tx.inviteProceeding, tx.doReply
	case evServerReplySuccess:
		tx.stateFn, next = tx.inviteAccepted, tx.doReplyAcceptedArmTimerL
	case evServerReplyFailure:
		tx.stateFn, next = tx.inviteCompleted, tx.doReplyArmRetransmit
	case evServerTransportErr:
		tx.stateFn, next = tx.inviteTerminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) inviteCompleted(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerRequestRetransmit:
		tx.stateFn, next = tx.inviteCompleted, tx.doReply
	case evServerAck:
		tx.stateFn, next = tx.inviteConfirmed, tx.doConfirmArmTimerI
	case evServerTimerG:
		tx.stateFn, next = tx.inviteCompleted, tx.doReplyArmRetransmit
	case evServerTimerH:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	case evServerTransportErr:
		tx.stateFn, next = tx.inviteTerminated, tx.doTransportError
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) inviteConfirmed(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerTimerI:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) inviteAccepted(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerAck:
		tx.stateFn, next = tx.inviteAccepted, tx.doDeliverAck
	case evServerReplySuccess:
		tx.stateFn, next = tx.inviteAccepted, tx.doReply
	case evServerTimerL:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) inviteTerminated(ev txEvent) txEvent {
	var next txAction
	switch ev {
	case evServerDelete:
		tx.stateFn, next = tx.inviteTerminated, tx.doCleanup
	default:
		return evNone
	}
	return next()
}

func (tx *ServerTx) doReplyArmRetransmit() txEvent {
	if err := tx.passResp(); err != nil {
		return evServerTransportErr
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.timer_g == nil {
			tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
				tx.drive(evServerTimerG)
			})
		} else {
			tx.timer_g_time *= 2
			if tx.timer_g_time > T2 {
				tx.timer_g_time = T2
			}
			tx.timer_g.Reset(tx.timer_g_time)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.drive(evServerTimerH)
		})
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ServerTx) doReplyAcceptedArmTimerL() txEvent {
	if err := tx.passResp(); err != nil {
		return evServerTransportErr
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.drive(evServerTimerL)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ServerTx) doDeliverAck() txEvent {
	tx.passAck()
	return evNone
}

func (tx *ServerTx) doConfirmArmTimerI() txEvent {
	tx.mu.Lock()
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}

	tx.timer_i = time.AfterFunc(Timer_I, func() {
		tx.drive(evServerTimerI)
	})
	tx.mu.Unlock()

	tx.passAck()
	return evNone
}

func (tx *ServerTx) doDeliverCancel() txEvent {
	tx.passCancel()
	return evNone
}
