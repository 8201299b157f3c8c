package wire

import (
	"errors"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// Protocol limits.
const (
	// HeaderSize is the fixed header width: kind uint16 + length uint32.
	HeaderSize = 6

	// MaxPayload is the maximum payload length a peer may announce.
	// Larger headers are a fatal protocol error.
	MaxPayload = 64 * 1024
)

// Protocol-level errors.
var (
	// ErrProtocol marks a malformed or oversized frame. Fatal: the session
	// carrying it must be closed.
	ErrProtocol = errors.New("wire: protocol error")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("wire: session closed")

	// ErrShortPayload marks a payload shorter than its kind requires.
	ErrShortPayload = errors.New("wire: short payload")
)

// Kind identifies a message type. The set is closed.
type Kind uint16

const (
	// Handshake.
	KindHello    Kind = 0x0101
	KindHelloAck Kind = 0x0102

	// Party requests (world -> directory) and replies.
	KindCreateRequest Kind = 0x0201
	KindCreateReply   Kind = 0x0202
	KindInviteRequest Kind = 0x0203
	KindInviteCreated Kind = 0x0204
	KindInviteAnswer  Kind = 0x0205
	KindLeaveRequest  Kind = 0x0206
	KindRemoveRequest Kind = 0x0207
	KindLeaderRequest Kind = 0x0208
	KindOptionRequest Kind = 0x0209
	KindInfoRequest   Kind = 0x020a
	KindOpReply       Kind = 0x020b

	// Party notifies (directory -> world).
	KindMemberJoined   Kind = 0x0301
	KindMemberLeft     Kind = 0x0302
	KindMemberRemoved  Kind = 0x0303
	KindLeaderChanged  Kind = 0x0304
	KindOptionChanged  Kind = 0x0305
	KindPartyDisbanded Kind = 0x0306
	KindFullSnapshot   Kind = 0x0307

	// Position traffic.
	KindPositionUpdate    Kind = 0x0401
	KindPositionBroadcast Kind = 0x0402

	// Booking registry.
	KindBookingRegister    Kind = 0x0501
	KindBookingUpdate      Kind = 0x0502
	KindBookingSearch      Kind = 0x0503
	KindBookingDelete      Kind = 0x0504
	KindBookingReply       Kind = 0x0505
	KindBookingSearchReply Kind = 0x0506
)

// String returns a short name for logging and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	case KindCreateRequest:
		return "create_request"
	case KindCreateReply:
		return "create_reply"
	case KindInviteRequest:
		return "invite_request"
	case KindInviteCreated:
		return "invite_created"
	case KindInviteAnswer:
		return "invite_answer"
	case KindLeaveRequest:
		return "leave_request"
	case KindRemoveRequest:
		return "remove_request"
	case KindLeaderRequest:
		return "leader_request"
	case KindOptionRequest:
		return "option_request"
	case KindInfoRequest:
		return "info_request"
	case KindOpReply:
		return "op_reply"
	case KindMemberJoined:
		return "member_joined"
	case KindMemberLeft:
		return "member_left"
	case KindMemberRemoved:
		return "member_removed"
	case KindLeaderChanged:
		return "leader_changed"
	case KindOptionChanged:
		return "option_changed"
	case KindPartyDisbanded:
		return "party_disbanded"
	case KindFullSnapshot:
		return "full_snapshot"
	case KindPositionUpdate:
		return "position_update"
	case KindPositionBroadcast:
		return "position_broadcast"
	case KindBookingRegister:
		return "booking_register"
	case KindBookingUpdate:
		return "booking_update"
	case KindBookingSearch:
		return "booking_search"
	case KindBookingDelete:
		return "booking_delete"
	case KindBookingReply:
		return "booking_reply"
	case KindBookingSearchReply:
		return "booking_search_reply"
	default:
		return "unknown"
	}
}

// Result is the typed outcome carried by reply messages.
type Result uint16

const (
	ResultOK Result = iota
	ResultDuplicateName
	ResultAlreadyGrouped
	ResultTargetAlreadyGrouped
	ResultPartyFull
	ResultNotAMember
	ResultNotLeader
	ResultPartyNotFound
	ResultTargetUnreachable
	ResultInviteNotFound
	ResultAlreadyInvited
	ResultLevelRange
	ResultInvalidName
	ResultNoAdvertisement
	ResultModeMismatch
	ResultInvalidCriteria
	ResultInternal
	ResultRateLimited
)

// resultErrs maps wire results to domain sentinels, in both directions.
var resultErrs = map[Result]*domain.DomainError{
	ResultDuplicateName:        domain.ErrPartyNameTaken,
	ResultAlreadyGrouped:       domain.ErrAlreadyGrouped,
	ResultTargetAlreadyGrouped: domain.ErrTargetAlreadyGrouped,
	ResultPartyFull:            domain.ErrPartyFull,
	ResultNotAMember:           domain.ErrNotAMember,
	ResultNotLeader:            domain.ErrNotLeader,
	ResultPartyNotFound:        domain.ErrPartyNotFound,
	ResultTargetUnreachable:    domain.ErrTargetUnreachable,
	ResultInviteNotFound:       domain.ErrInviteNotFound,
	ResultAlreadyInvited:       domain.ErrAlreadyInvited,
	ResultLevelRange:           domain.ErrLevelRangeExceeded,
	ResultInvalidName:          domain.ErrInvalidPartyName,
	ResultNoAdvertisement:      domain.ErrNoAdvertisement,
	ResultModeMismatch:         domain.ErrBookingModeMismatch,
	ResultInvalidCriteria:      domain.ErrInvalidCriteria,
	ResultInternal:             domain.ErrInternalServer,
	ResultRateLimited:          domain.ErrRateLimited,
}

// ResultOf converts a directory error into a wire result. Unrecognized
// errors collapse to ResultInternal so no raw error text crosses the wire.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	code := domain.ErrorCode(err)
	for r, de := range resultErrs {
		if de.Code == code {
			return r
		}
	}
	return ResultInternal
}

// Err converts a wire result back into the matching domain sentinel.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	if de, ok := resultErrs[r]; ok {
		return de
	}
	return domain.ErrInternalServer
}
