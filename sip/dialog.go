package sip

import "errors"

// DialogState represents where a dialog is in its RFC 3261 - 12 lifecycle.
type DialogState int

const (
	// DialogStateEstablished is set once a dialog forming response (1xx with tag, or 2xx) is seen.
	// The zero value means no dialog forming response has been seen yet.
	DialogStateEstablished DialogState = iota + 1
	// DialogStateConfirmed is set once the ACK for the dialog forming INVITE is sent/received.
	DialogStateConfirmed
	// DialogStateEnded is set once the dialog is torn down (BYE, or non 2xx final response).
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEstablished:
		return "established"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Dialog is a minimal, read only snapshot of a dialog state change, delivered
// through OnDialog/OnDialogChan callbacks.
type Dialog struct {
	ID    string
	State DialogState
}

var ErrDialogNoTags = errors.New("sip: From/To tag missing, cannot build dialog ID")

// MakeDialogID builds a dialog ID out of a Call-ID and the two tags
// identifying the dialog (RFC 3261 - 12). The tag order does not matter:
// a request sent from either side of the dialog swaps which tag is the
// From tag and which is the To tag, so the two are sorted before joining,
// making the ID independent of direction.
func MakeDialogID(callID string, tag1 string, tag2 string) string {
	if tag1 > tag2 {
		tag1, tag2 = tag2, tag1
	}
	return callID + "__" + tag1 + "__" + tag2
}

// MakeDialogIDFromMessage builds a dialog ID from a message's Call-ID, From
// tag and To tag. Works for both *Request and *Response.
func MakeDialogIDFromMessage(m Message) (string, error) {
	callID := m.CallID()
	from := m.From()
	to := m.To()
	if callID == nil || from == nil || to == nil {
		return "", ErrDialogNoTags
	}

	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	if fromTag == "" || toTag == "" {
		return "", ErrDialogNoTags
	}

	return MakeDialogID(callID.Value(), fromTag, toTag), nil
}

// MakeDialogIDFromResponse builds a dialog ID from a response, used by a UAC
// once the dialog forming response to its INVITE arrives.
func MakeDialogIDFromResponse(r *Response) (string, error) {
	return MakeDialogIDFromMessage(r)
}

// UASReadRequestDialogID builds a dialog ID from a request as seen by a UAS,
// matching in-dialog requests (ACK, BYE, re-INVITE) against a dialog created
// from the original INVITE.
func UASReadRequestDialogID(req *Request) (string, error) {
	return MakeDialogIDFromMessage(req)
}
