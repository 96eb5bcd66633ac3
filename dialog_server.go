package sipstack

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipstack-go/sipstack/sip"
	"github.com/icholy/digest"
	uuid "github.com/satori/go.uuid"
)

type DialogServer struct {
	dialogs    sync.Map // TODO replace with typed version
	contactHDR sip.ContactHeader
	c          *Client
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogServerSession)
	return t
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServer provides handle for managing UAS dialog
// Contact hdr is default that is provided for responses.
// Client is needed for termination dialog session
// In case handling different transports you should have multiple instances per transport
func NewDialogServer(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	s := &DialogServer{
		dialogs:    sync.Map{},
		contactHDR: contactHDR,
		c:          client,
	}
	return s
}

// NewDialogServerCache is NewDialogServer with an explicit name for the
// dialog cache it keeps internally. Use it when you want to make clear at
// the call site that dialogs are tracked and looked up by ID rather than
// passed around by hand.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	return NewDialogServer(client, contactHDR)
}

// ReadInvite should read from your OnInvite handler for which it creates dialog context
// You need to use DialogServerSession for all further responses
// Do not forget to add ReadAck and ReadBye for confirming dialog and terminating
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	cont := req.Contact()
	if cont == nil {
		return nil, ErrDialogInviteNoContact
	}

	// Transaction may already be canceled or terminated before we get a
	// chance to register callbacks on it.
	select {
	case <-tx.Done():
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, sip.ErrTransactionTerminated
	case <-tx.Cancels():
		return nil, sip.ErrTransactionCanceled
	default:
	}

	// Prebuild already to tag for response as it must be same for all responds
	// NewResponseFromRequest will skip this for all 100
	uuid, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	req.To().Params.Add("tag", uuid.String())
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // this id has already prebuilt tag
			InviteRequest: req,
			state:         atomic.Int32{},
			ctx:           ctx,
			cancel:        cancel,
		},
		inviteTx: tx,
		s:        s,
	}
	dtx.SetCSEQ(req.CSeq().SeqNo)
	dtx.SetRemoteCSEQ(req.CSeq().SeqNo)

	if !tx.OnCancel(func(r *sip.Request) {
		if dtx.LoadState() < sip.DialogStateEstablished {
			dtx.endWithCause(sip.ErrTransactionCanceled)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, sip.ErrTransactionTerminated
	}

	if !tx.OnTerminate(func(key string, err error) {
		if dtx.LoadState() < sip.DialogStateEstablished {
			dtx.endWithCause(err)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, sip.ErrTransactionTerminated
	}

	s.dialogs.Store(id, dtx)
	return dtx, nil
}

// ReadAck should read from your OnAck handler
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}

	dt.setState(sip.DialogStateConfirmed)
	// Acks are normally just absorbed, but in case of proxy
	// they still need to be passed
	return nil
}

// ReadBye should read from your OnBye handler
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.2
		// If the BYE does not
		//    match an existing dialog, the UAS core SHOULD generate a 481
		//    (Call/Transaction Does Not Exist)
		// res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		// if err := tx.Respond(res); err != nil {
		// 	return err
		// }
		return err
	}
	return dt.ReadBye(req, tx)
}

// ReadBye confirms a BYE for this already-loaded dialog session, responding
// 200 OK on the BYE transaction, terminating the INVITE transaction and
// ending the dialog.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	// Make sure this is bye for this dialog. This is checked against
	// remote CSeq sequencing, not our own outgoing lastCSeqNo: sending a
	// re-INVITE within the dialog must not make an otherwise valid BYE
	// from the remote side look out of sequence.
	if req.CSeq().SeqNo != (s.RemoteCSEQ() + 1) {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Cseq is incorect", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogInvalidCseq
	}
	s.SetRemoteCSEQ(req.CSeq().SeqNo)

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)

	return nil
}

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	// s is set when the session is created through DialogServer (ReadInvite).
	s *DialogServer
	// ua is set when the session is created through DialogUA (NewServerSession,
	// DialogUA.ReadInvite), where there is no DialogServer dialog map to track it in.
	ua *DialogUA
}

// client returns the Client to use for subsequent requests/responses,
// regardless of whether this session was built via DialogServer or DialogUA.
func (s *DialogServerSession) client() *Client {
	if s.s != nil {
		return s.s.c
	}
	return s.ua.Client
}

// contactHeader returns the default Contact header to apply on responses.
func (s *DialogServerSession) contactHeader() *sip.ContactHeader {
	if s.s != nil {
		return &s.s.contactHDR
	}
	return &s.ua.ContactHDR
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeq{
			SeqNo:      s.InviteRequest.CSeq().SeqNo,
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	// For safety make sure we are starting with our last dialog cseq num
	cseq.SeqNo = s.CSEQ()

	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.CSEQ() + 1
	}

	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-16.12.1.2
	// UAS route set is the INVITE's Record-Route, in the order received.
	hdrs := s.InviteRequest.GetHeaders("Record-Route")
	for _, recordRoute := range hdrs {
		req.AppendHeader(sip.NewHeader("Route", recordRoute.Value()))
	}

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	// TODO check correct behavior strict routing vs loose routing
	// recordRoute := req.RecordRoute()
	// if recordRoute != nil {
	// 	if recordRoute.Address.UriParams.Has("lr") {
	// 		bye.AppendHeader(&sip.RouteHeader{Address: recordRoute.Address})
	// 	} else {
	// 		/* TODO
	// 		   If the route set is not empty, and its first URI does not contain the
	// 		   lr parameter, the UAC MUST place the first URI from the route set
	// 		   into the Request-URI, stripping any parameters that are not allowed
	// 		   in a Request-URI.  The UAC MUST add a Route header field containing
	// 		   the remainder of the route set values in order, including all
	// 		   parameters.  The UAC MUST then place the remote target URI into the
	// 		   Route header field as the last value.
	// 		*/
	// 	}
	// }

	s.SetCSEQ(cseq.SeqNo)
	// Passing option to avoid CSEQ apply
	return s.client().TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.client().WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	if s.s != nil {
		s.s.dialogs.Delete(s.ID)
	}
	// s.setState(sip.DialogStateEnded)
	// ctx, _ := context.WithTimeout(context.Background(), transaction.Timer_B)
	// return s.Bye(ctx)
	return nil
}

// ackReceiver is implemented by transaction.ServerTx. It is not part of the
// sip.ServerTransaction interface since production ACKs reach the
// transaction through the transaction layer's own dispatch, never through
// the dialog layer; tests that bypass that layer feed the ACK in directly.
type ackReceiver interface {
	Receive(req *sip.Request) error
}

// ReadAck feeds an ACK for the dialog forming INVITE into its transaction,
// confirming the dialog. tx is the same transaction Respond was called on.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	if rcv, ok := tx.(ackReceiver); ok {
		if err := rcv.Receive(req); err != nil {
			return err
		}
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		res.AppendHeader(s.contactHeader())
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel in meantime
	select {
	case req := <-tx.Cancels():
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		return ErrDialogCanceled
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// This will not create dialog so we will just respond
			return tx.Respond(res)
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateEstablished)
	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		if s.s != nil {
			s.s.dialogs.Delete(id)
		}
		return err
	}

	return nil
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateEnded {
		return nil
	}

	if sip.DialogState(state) < sip.DialogStateEstablished {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.state.Load()
		if sip.DialogState(state) < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(sip.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	bye := newByeRequestUAS(req, res)

	// Check that we have still match same dialog
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	byeID := sip.MakeDialogID(callidHDR.Value(), newFrom.Params.GetOr("tag", ""), newTo.Params.GetOr("tag", ""))
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// s.setState(sip.DialogStateEnded)

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

// newByeRequestUAS generates request for UAS within dialog
// it does not add VIA header, as this must be handled by transport layer
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	// We must check record route header
	// https://datatracker.ietf.org/doc/html/rfc2543#section-6.13
	cont := req.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)

	// Reverse from and to
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)

	return bye
}

// authDigest challenges the dialog's INVITE against chal/opts, RFC 3261 -
// 22.1. It responds 401 Unauthorized itself, carrying chal as the
// WWW-Authenticate header, when the request has no Authorization header or
// the one it has does not verify. Returns nil once the request has
// successfully authenticated.
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	req := s.InviteRequest

	h := req.GetHeader("Authorization")
	if h == nil {
		return s.challengeDigest(chal)
	}

	params := parseDigestParams(h.Value())
	if params["username"] != opts.Username || params["realm"] != chal.Realm || params["nonce"] != chal.Nonce {
		return s.challengeDigest(chal)
	}

	ha1 := md5Hex(opts.Username + ":" + chal.Realm + ":" + opts.Password)
	ha2 := md5Hex(opts.Method + ":" + params["uri"])

	var want string
	if qop := params["qop"]; qop == "" {
		want = md5Hex(ha1 + ":" + chal.Nonce + ":" + ha2)
	} else {
		want = md5Hex(strings.Join([]string{ha1, chal.Nonce, params["nc"], params["cnonce"], qop, ha2}, ":"))
	}

	if want != params["response"] {
		return s.challengeDigest(chal)
	}

	return nil
}

func (s *DialogServerSession) challengeDigest(chal *digest.Challenge) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, sip.StatusUnauthorized, "Unauthorized", nil)
	www := fmt.Sprintf("Digest realm=%q, nonce=%q, opaque=%q, algorithm=%s", chal.Realm, chal.Nonce, chal.Opaque, chal.Algorithm)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", www))
	if err := s.inviteTx.Respond(res); err != nil {
		return err
	}
	return ErrDialogUnauthorized
}

// parseDigestParams splits a "Digest k1="v1", k2="v2"" Authorization header
// value into its parameters, lower-casing keys for lookup.
func parseDigestParams(v string) map[string]string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "Digest ")
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
