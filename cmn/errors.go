package cmn

import "fmt"

// Kind enumerates the closed set of error kinds a bob operation can fail
// with. Callers switch on Kind rather than string-matching messages.
type Kind int

const (
	KindInternal Kind = iota
	KindTimeout
	KindKeyNotFound
	KindDuplicateKey
	KindVDiskNotFound
	KindVDiskIsNotReady
	KindDCIsNotAvailable
	KindPossibleDiskDisconnection
	KindStorage
	KindPearlChangeState
	KindFailed
	KindRequestFailedCompletely
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindVDiskNotFound:
		return "VDiskNotFound"
	case KindVDiskIsNotReady:
		return "VDiskIsNotReady"
	case KindDCIsNotAvailable:
		return "DCIsNotAvailable"
	case KindPossibleDiskDisconnection:
		return "PossibleDiskDisconnection"
	case KindStorage:
		return "Storage"
	case KindPearlChangeState:
		return "PearlChangeState"
	case KindFailed:
		return "Failed"
	case KindRequestFailedCompletely:
		return "RequestFailedCompletely"
	default:
		return "Internal"
	}
}

// BobError is the single error type that crosses component boundaries.
// It carries a Kind plus an optional message and key, matching the
// wire-visible string-prefixed status messages.
type BobError struct {
	Kind Kind
	Key  []byte
	Msg  string
}

func (e *BobError) Error() string {
	switch e.Kind {
	case KindKeyNotFound:
		return fmt.Sprintf("KeyNotFound %x", e.Key)
	case KindVDiskNotFound:
		return fmt.Sprintf("VDiskNotFound %s", e.Msg)
	case KindStorage:
		return fmt.Sprintf("Storage %s", e.Msg)
	case KindPearlChangeState:
		return fmt.Sprintf("PearlChangeState %s", e.Msg)
	case KindFailed:
		return fmt.Sprintf("Failed %s", e.Msg)
	case KindRequestFailedCompletely:
		return fmt.Sprintf("RequestFailedCompletely %s", e.Msg)
	default:
		if e.Msg != "" {
			return fmt.Sprintf("%s %s", e.Kind, e.Msg)
		}
		return e.Kind.String()
	}
}

// Is lets errors.Is(err, cmn.ErrKeyNotFound) match regardless of key/message.
func (e *BobError) Is(target error) bool {
	t, ok := target.(*BobError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NewKeyNotFound(key []byte) error { return &BobError{Kind: KindKeyNotFound, Key: key} }
func NewDuplicateKey() error          { return &BobError{Kind: KindDuplicateKey} }
func NewVDiskNotFound(id uint32) error {
	return &BobError{Kind: KindVDiskNotFound, Msg: fmt.Sprintf("%d", id)}
}
func NewVDiskIsNotReady() error { return &BobError{Kind: KindVDiskIsNotReady} }
func NewDCIsNotAvailable() error { return &BobError{Kind: KindDCIsNotAvailable} }
func NewPossibleDiskDisconnection(msg string) error {
	return &BobError{Kind: KindPossibleDiskDisconnection, Msg: msg}
}
func NewStorage(msg string) error         { return &BobError{Kind: KindStorage, Msg: msg} }
func NewPearlChangeState(msg string) error { return &BobError{Kind: KindPearlChangeState, Msg: msg} }
func NewFailed(msg string) error          { return &BobError{Kind: KindFailed, Msg: msg} }
func NewTimeout() error                   { return &BobError{Kind: KindTimeout} }
func NewInternal(msg string) error        { return &BobError{Kind: KindInternal, Msg: msg} }
func NewRequestFailedCompletely(local, alien error) error {
	return &BobError{Kind: KindRequestFailedCompletely, Msg: fmt.Sprintf("local=%v alien=%v", local, alien)}
}

// Sentinel values for errors.Is comparisons against a bare Kind.
var (
	ErrKeyNotFound    = &BobError{Kind: KindKeyNotFound}
	ErrDuplicateKey   = &BobError{Kind: KindDuplicateKey}
	ErrVDiskIsNotReady = &BobError{Kind: KindVDiskIsNotReady}
	ErrDCIsNotAvailable = &BobError{Kind: KindDCIsNotAvailable}
)

// KindOf extracts the Kind of err, or KindInternal if err is not a BobError.
func KindOf(err error) Kind {
	if be, ok := err.(*BobError); ok {
		return be.Kind
	}
	return KindInternal
}
