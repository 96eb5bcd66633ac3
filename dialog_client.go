package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sipstack-go/sipstack/sip"
	"github.com/icholy/digest"
)

type DialogClient struct {
	c          *Client
	dialogs    sync.Map // TODO replace with typed version
	contactHDR sip.ContactHeader
}

func (s *DialogClient) dialogsLen() int {
	leftItems := 0
	s.dialogs.Range(func(key, value any) bool {
		leftItems++
		return true
	})
	return leftItems
}

func (s *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogClientSession)
	return t
}

// NewDialogClientCache is NewDialogClient with an explicit name for the
// dialog cache it keeps internally.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return NewDialogClient(client, contactHDR)
}

// NewDialogClient provides handle for managing UAC dialog
// Contact hdr must be provided for correct invite
// In case handling different transports you should have multiple instances per transport
func NewDialogClient(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	s := &DialogClient{
		c:          client,
		dialogs:    sync.Map{},
		contactHDR: contactHDR,
	}
	return s
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog
// For passing custom Invite request use WriteInvite
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}

	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	cli := dc.c

	inviteRequest.AppendHeader(&dc.contactHDR)

	// TODO passing client transaction options is now hidden
	tx, err := cli.TransactionRequest(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
			state:         atomic.Int32{},
		},
		dc:       dc,
		inviteTx: tx,
	}
	dtx.SetCSEQ(inviteRequest.CSeq().SeqNo)

	return dtx, nil
}

func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()

	id := sip.MakeDialogID(callid.Value(), from.Params.GetOr("tag", ""), to.Params.GetOr("tag", ""))

	dt := dc.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	dt.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer dt.Close()              // Delete our dialog always
	defer dt.inviteTx.Terminate() // Terminates Invite transaction

	// select {
	// case <-tx.Done():
	// 	return tx.Err()
	// }
	return nil
}

type DialogClientSession struct {
	Dialog
	// dc is set when the session is created through DialogClient (WriteInvite).
	dc *DialogClient
	// UA is set when the session is created through DialogUA (NewClientSession,
	// DialogUA.WriteInvite), where there is no DialogClient dialog map to track it in.
	UA       *DialogUA
	inviteTx sip.ClientTransaction
}

// client returns the Client to use for subsequent requests/responses,
// regardless of whether this session was built via DialogClient or DialogUA.
func (s *DialogClientSession) client() *Client {
	if s.dc != nil {
		return s.dc.c
	}
	return s.UA.Client
}

// Close must be always called in order to cleanup some internal resources
// Consider that this will not send BYE or CANCEL or change dialog state
func (s *DialogClientSession) Close() error {
	if s.dc != nil {
		s.dc.dialogs.Delete(s.ID)
	}
	// s.setState(sip.DialogStateEnded)
	// ctx, _ := context.WithTimeout(context.Background(), sip.Timer_B)
	// return s.Bye(ctx)
	return nil
}

type AnswerOptions struct {
	// OnResponse is called for every response received while waiting for
	// the final answer, including provisional ones. Returning an error
	// aborts WaitAnswer with that error.
	OnResponse func(res *sip.Response) error

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx
// Canceling context while waiting 2xx will send Cancel request, wait for the
// INVITE's final response (stored in InviteResponse) and return ctx.Err()
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.client(), s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// Send cancel
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			// Keep the final response to the canceled INVITE (normally 487)
			for {
				select {
				case res, ok := <-tx.Responses():
					if !ok {
						return ctx.Err()
					}
					if res.IsProvisional() {
						continue
					}
					s.InviteResponse = res
					return ctx.Err()
				case <-tx.Done():
					return ctx.Err()
				}
			}

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				tx.Terminate()
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			continue
		}

		if (r.StatusCode == sip.StatusProxyAuthRequired) && opts.Password != "" {
			h := inviteRequest.GetHeader("Proxy-Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == sip.StatusUnauthorized && opts.Password != "" {
			h := inviteRequest.GetHeader("Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestTransactionRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	if s.dc != nil {
		s.dc.dialogs.Store(id, s)
	}
	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	applyDialogRouteSet(ack, s.InviteResponse)

	if err := s.client().WriteRequest(ack); err != nil {
		// Make sure we close our error
		// s.Close()
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	client := s.client()
	defer s.Close()

	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateEnded {
		return nil
	}

	// In case dialog was not updated
	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}

	tx, err := client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends an arbitrary subsequent in-dialog request (re-INVITE, INFO,
// REFER...), applying the dialog's route set and CSeq before sending.
// https://datatracker.ietf.org/doc/html/rfc3261#section-12.2.1
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeq{SeqNo: s.CSEQ(), MethodName: req.Method}
		req.AppendHeader(cseq)
	}

	cseq.SeqNo = s.CSEQ()
	if !req.IsAck() && !req.IsCancel() {
		cseq.SeqNo = s.CSEQ() + 1
	}

	applyDialogRouteSet(req, s.InviteResponse)

	s.SetCSEQ(cseq.SeqNo)
	return s.client().TransactionRequest(ctx, req)
}

// applyDialogRouteSet fills req's Route headers and Request-URI from the
// dialog's Record-Route set, following RFC 3261 - 12.2.1.1. Requests that
// already carry Route headers (built against a route set from an earlier
// exchange) are left untouched.
func applyDialogRouteSet(req *sip.Request, inviteResponse *sip.Response) {
	if len(req.GetHeaders("Route")) > 0 {
		return
	}

	hdrs := inviteResponse.GetHeaders("Record-Route")
	if len(hdrs) == 0 {
		return
	}

	for i := len(hdrs) - 1; i >= 0; i-- {
		req.AppendHeader(sip.NewHeader("Route", hdrs[i].Value()))
	}

	// If the topmost route does not support loose routing, it must be used
	// as the Request-URI instead of the remote target.
	if rr := req.Route(); rr != nil && !rr.Address.UriParams.Has("lr") {
		req.Recipient = *rr.Address.Clone()
	}
}

// newAckRequestUAC builds the skeleton 2xx dialog ACK, Request-URI set from
// the remote target (Contact). Route headers are applied separately by
// WriteAck, once the caller is ready to send.
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	return sip.NewAckRequest(inviteRequest, inviteResponse, body)
}

// digestTransactionRequest checks response if 401 and sends digest auth
func digestTransactionRequest(ctx context.Context, client *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	// Get WwW-Authenticate
	wwwAuth := res.GetHeader("WWW-Authenticate")
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse chalenge wwwauth=%q: %w", wwwAuth.Value(), err)
	}

	// Reply with digest
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("fail to build digest: %w", err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++
	// newReq := req.Clone()

	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	// defer req.RemoveHeader("Authorization")

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(context.TODO(), req, ClientRequestAddVia)
	return tx, err
}

// newByeRequestUAC creates bye request from established dialog
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := &inviteRequest.Recipient
	cont := inviteResponse.Contact()
	if cont != nil {
		// BYE is subsequent request
		recipient = &cont.Address
	}

	byeRequest := sip.NewRequest(
		sip.BYE,
		*recipient.Clone(),
	)
	byeRequest.SipVersion = inviteRequest.SipVersion

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteRequest, byeRequest)
	} else {
		applyDialogRouteSet(byeRequest, inviteResponse)
	}

	maxForwardsHeader := sip.MaxForwards(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := byeRequest.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}
