package transaction

import "fmt"

// Actions shared by the INVITE and non-INVITE client state machines.

func (tx *ClientTx) doDeliver() txEvent {
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) doTransportError() txEvent {
	tx.transportErr()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
	return evClientDelete
}

func (tx *ClientTx) doTimeout() txEvent {
	tx.timeoutErr()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
	return evClientDelete
}

func (tx *ClientTx) doCleanup() txEvent {
	tx.delete()
	return evNone
}

func (tx *ClientTx) transportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()

	err = fmt.Errorf("transaction failed to send %s: %w", tx.origin.Short(), err)
	select {
	case <-tx.done:
	case tx.errs <- err:
	}
}

func (tx *ClientTx) timeoutErr() {
	err := fmt.Errorf("transaction timed out tx=%s", tx.key)

	select {
	case <-tx.done:
	case tx.errs <- err:
	}
}
