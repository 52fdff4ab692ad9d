// Package errors defines the error taxonomy shared across the masquerade
// core: a small set of kinds (spec §7) wrapped around an underlying cause,
// plus the canonical NL.SPACEBASED.<ID>_<REASON> shape returned by the HTTP
// surface.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind is one of the error taxonomy entries from spec §7.
type Kind int

const (
	Other Kind = iota
	IO
	Config
	HTTP
	HomeserverStatus
	IDParse
	CryptoStore
	Olm
	Megolm
	UpgradeError
	RoomNotFound
	RoomNotEncrypted
	UserNotFound
	NoDevice
	EventType
	DecryptEvent
	MultipleSync
	Send
	Async
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case Config:
		return "CONFIG"
	case HTTP:
		return "HTTP"
	case HomeserverStatus:
		return "HOMESERVER_STATUS"
	case IDParse:
		return "ID_PARSE"
	case CryptoStore:
		return "CRYPTO_STORE"
	case Olm:
		return "OLM"
	case Megolm:
		return "MEGOLM"
	case UpgradeError:
		return "UPGRADE_ERROR"
	case RoomNotFound:
		return "ROOM_NOT_FOUND"
	case RoomNotEncrypted:
		return "ROOM_NOT_ENCRYPTED"
	case UserNotFound:
		return "USER_NOT_FOUND"
	case NoDevice:
		return "NO_DEVICE"
	case EventType:
		return "EVENT_TYPE"
	case DecryptEvent:
		return "DECRYPT_EVENT"
	case MultipleSync:
		return "MULTIPLE_SYNC"
	case Send:
		return "SEND"
	case Async:
		return "ASYNC"
	default:
		return "OTHER"
	}
}

// Status maps a Kind to the HTTP status the §4.8/§6 server surface must
// respond with. Kinds with no natural HTTP analogue fall back to 500.
func (k Kind) Status() int {
	switch k {
	case RoomNotFound, UserNotFound:
		return http.StatusNotFound
	case RoomNotEncrypted, IDParse, Config:
		return http.StatusBadRequest
	case HomeserverStatus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the core error type: a Kind, an operation label, and an
// optional wrapped cause, in the style of fs.PathError.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs an *Error around an existing cause. Returns nil if err is
// nil, so call sites can do `return errors.Wrap(kind, op, err)` unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Other if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Other
}

// as is a tiny local copy of errors.As to avoid importing the stdlib
// "errors" package under a name that collides with this package's own name
// at call sites.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ErrCode renders the canonical NL.SPACEBASED.<ID>_<REASON> shape described
// in spec §6/§7, where id is e.g. an appservice identifier and reason comes
// from the HTTP status actually being written — not necessarily kind's own
// Status(), since a caller may write a status the Kind doesn't map to (the
// 401 auth-reject path, in particular, reports Other but must still read
// UNAUTHORIZED rather than Other's default INTERNAL_SERVER_ERROR reason).
func ErrCode(id string, status int) string {
	reason := strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	return fmt.Sprintf("NL.SPACEBASED.%s_%s", strings.ToUpper(id), reason)
}

// Body is the JSON shape of an error response: {"errcode": "..."}.
type Body struct {
	ErrCode string `json:"errcode"`
}
