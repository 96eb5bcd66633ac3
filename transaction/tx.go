package transaction

import (
	"sync"

	"github.com/sipstack-go/sipstack/sip"
	"github.com/sipstack-go/sipstack/transport"

	"github.com/rs/zerolog"
)

type commonTx struct {
	key string

	origin *sip.Request
	// tpl    *transport.Layer

	conn     transport.Connection
	lastResp *sip.Response

	errs    chan error
	lastErr error
	done    chan struct{}

	//State machine control
	stateMu sync.RWMutex
	stateFn txStateFn

	log         zerolog.Logger
	onTerminate FnTxTerminate

	termMu sync.Mutex
}

func (tx *commonTx) String() string {
	if tx == nil {
		return "<nil>"
	}

	// fields := tx.Log().Fields().WithFields(log.Fields{
	// 	"key": tx.key,
	// })
	return tx.key

	// return fmt.Sprintf("%s<%s>", tx.Log().Prefix(), fields)
}

func (tx *commonTx) Origin() *sip.Request {
	return tx.origin
}

func (tx *commonTx) Key() string {
	return tx.key
}

// func (tx *commonTx) Transport() sip.Transport {
// 	return tx.tpl
// }

// Errors can be passed via channel. Channel is created on first call of this function
func (tx *commonTx) Errors() <-chan error {
	if tx.errs != nil {
		return tx.errs
	}
	tx.errs = make(chan error)
	return tx.errs
}

func (tx *commonTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate registers f to be called when the transaction terminates. It
// returns false if the transaction has already terminated, in which case f
// is never called.
func (tx *commonTx) OnTerminate(f FnTxTerminate) bool {
	tx.termMu.Lock()
	defer tx.termMu.Unlock()

	select {
	case <-tx.done:
		return false
	default:
	}

	if tx.onTerminate != nil {
		prev := tx.onTerminate
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *commonTx) Err() error {
	tx.termMu.Lock()
	defer tx.termMu.Unlock()
	return tx.lastErr
}

// drive feeds ev into the current state function and keeps following
// whatever follow-up event each transition's action reports (evNone stops
// the loop) under a single lock, so a chain like transport-error -> delete
// runs as one atomic step from a caller's point of view.
func (tx *commonTx) drive(ev txEvent) {
	tx.stateMu.Lock()
	for e := ev; e != evNone; {
		e = tx.stateFn(e)
	}
	tx.stateMu.Unlock()
}
