package transaction

import "fmt"

// Actions shared by the INVITE and non-INVITE server state machines.

func (tx *ServerTx) doReply() txEvent {
	if err := tx.passResp(); err != nil {
		return evServerTransportErr
	}
	return evNone
}

func (tx *ServerTx) doTransportError() txEvent {
	tx.transportErr()
	return evServerDelete
}

func (tx *ServerTx) doCleanup() txEvent {
	tx.delete()
	return evNone
}

func (tx *ServerTx) transportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()

	err = fmt.Errorf("transaction failed to send %s: %w", tx.key, err)
	go tx.sendErr(err)
}
