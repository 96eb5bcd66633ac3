package sipstack

import "github.com/sipstack-go/sipstack/sip"

type NoOpTransaction struct {
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Terminate() {}

// OnTerminate is a no-op; this transaction never terminates on its own.
func (t *NoOpTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return true
}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

func (t *NoOpTransaction) Err() error {
	return nil
}

// Responses implements sip.ClientTransaction interface.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

// setResponses sets the response channel for this transaction
func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

// setDone sets the done channel for this transaction
func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

// OnCancel is a no-op; this transaction never receives a CANCEL.
func (t *NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return true
}

func (t *NoOpServerTransaction) Cancels() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

// NoOpClientTransaction backs a DialogClientSession created from an
// already-established session (see DialogUA.NewClientSession), where no
// live INVITE client transaction exists to terminate, cancel, or read ACKs
// from.
type NoOpClientTransaction struct {
	NoOpTransaction
}

// OnRetransmission is a no-op; there is no underlying transaction to retransmit.
func (t *NoOpClientTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return true
}
