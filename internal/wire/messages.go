package wire

import (
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// Msg is one framed message as read off a session.
type Msg struct {
	Kind    Kind
	Payload []byte
}

// Hello identifies a world process. An empty WorldID asks the directory to
// assign one.
type Hello struct {
	WorldID string
	Mode    domain.BookingMode
}

func (m *Hello) Encode() []byte {
	var w writer
	w.str(m.WorldID)
	w.u8(uint8(m.Mode))
	return w.buf
}

func (m *Hello) Decode(p []byte) error {
	r := reader{buf: p}
	m.WorldID = r.str()
	m.Mode = domain.BookingMode(r.u8())
	return r.Err()
}

// HelloAck confirms the handshake and echoes the effective world identity
// and the directory's booking mode.
type HelloAck struct {
	WorldID string
	Mode    domain.BookingMode
}

func (m *HelloAck) Encode() []byte {
	var w writer
	w.str(m.WorldID)
	w.u8(uint8(m.Mode))
	return w.buf
}

func (m *HelloAck) Decode(p []byte) error {
	r := reader{buf: p}
	m.WorldID = r.str()
	m.Mode = domain.BookingMode(r.u8())
	return r.Err()
}

// CreateRequest asks the directory to create a party with the requester as
// sole member and leader.
type CreateRequest struct {
	Seq       uint32
	Name      string
	ExpShare  bool
	ItemShare bool
	Requester domain.MemberRef
}

func (m *CreateRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.fixed(m.Name, domain.NameLength)
	w.boolean(m.ExpShare)
	w.boolean(m.ItemShare)
	w.member(&m.Requester)
	return w.buf
}

func (m *CreateRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Name = r.fixed(domain.NameLength)
	m.ExpShare = r.boolean()
	m.ItemShare = r.boolean()
	m.Requester = r.member()
	return r.Err()
}

// CreateReply reports the outcome of a CreateRequest with the assigned id.
type CreateReply struct {
	Seq     uint32
	Result  Result
	PartyID domain.PartyID
}

func (m *CreateReply) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u16(uint16(m.Result))
	w.u32(uint32(m.PartyID))
	return w.buf
}

func (m *CreateReply) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Result = Result(r.u16())
	m.PartyID = domain.PartyID(r.u32())
	return r.Err()
}

// InviteRequest starts the two-step invite handshake. Party state is not
// touched until the target accepts.
type InviteRequest struct {
	Seq           uint32
	RequesterChar domain.CharID
	TargetAccount domain.AccountID
	TargetChar    domain.CharID
}

func (m *InviteRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.RequesterChar))
	w.u32(uint32(m.TargetAccount))
	w.u32(uint32(m.TargetChar))
	return w.buf
}

func (m *InviteRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.RequesterChar = domain.CharID(r.u32())
	m.TargetAccount = domain.AccountID(r.u32())
	m.TargetChar = domain.CharID(r.u32())
	return r.Err()
}

// InviteCreated is pushed to the target's world process so the client can
// present the pending invite.
type InviteCreated struct {
	InviteID      uint32
	PartyID       domain.PartyID
	PartyName     string
	RequesterName string
	TargetChar    domain.CharID
}

func (m *InviteCreated) Encode() []byte {
	var w writer
	w.u32(m.InviteID)
	w.u32(uint32(m.PartyID))
	w.fixed(m.PartyName, domain.NameLength)
	w.fixed(m.RequesterName, domain.NameLength)
	w.u32(uint32(m.TargetChar))
	return w.buf
}

func (m *InviteCreated) Decode(p []byte) error {
	r := reader{buf: p}
	m.InviteID = r.u32()
	m.PartyID = domain.PartyID(r.u32())
	m.PartyName = r.fixed(domain.NameLength)
	m.RequesterName = r.fixed(domain.NameLength)
	m.TargetChar = domain.CharID(r.u32())
	return r.Err()
}

// InviteAnswer resolves a pending invite. Target carries the full member
// reference so the directory can fill the slot on acceptance.
type InviteAnswer struct {
	Seq      uint32
	InviteID uint32
	Accept   bool
	Target   domain.MemberRef
}

func (m *InviteAnswer) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(m.InviteID)
	w.boolean(m.Accept)
	w.member(&m.Target)
	return w.buf
}

func (m *InviteAnswer) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.InviteID = r.u32()
	m.Accept = r.boolean()
	m.Target = r.member()
	return r.Err()
}

// LeaveRequest removes the sender's own character from its party.
type LeaveRequest struct {
	Seq  uint32
	Char domain.CharID
}

func (m *LeaveRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.Char))
	return w.buf
}

func (m *LeaveRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Char = domain.CharID(r.u32())
	return r.Err()
}

// RemoveRequest expels a member; only the leader may issue it.
type RemoveRequest struct {
	Seq           uint32
	RequesterChar domain.CharID
	TargetChar    domain.CharID
}

func (m *RemoveRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.RequesterChar))
	w.u32(uint32(m.TargetChar))
	return w.buf
}

func (m *RemoveRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.RequesterChar = domain.CharID(r.u32())
	m.TargetChar = domain.CharID(r.u32())
	return r.Err()
}

// LeaderRequest transfers leadership to another member.
type LeaderRequest struct {
	Seq           uint32
	RequesterChar domain.CharID
	TargetChar    domain.CharID
}

func (m *LeaderRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.RequesterChar))
	w.u32(uint32(m.TargetChar))
	return w.buf
}

func (m *LeaderRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.RequesterChar = domain.CharID(r.u32())
	m.TargetChar = domain.CharID(r.u32())
	return r.Err()
}

// OptionRequest changes the group policies; only the leader may issue it.
type OptionRequest struct {
	Seq           uint32
	RequesterChar domain.CharID
	ExpShare      bool
	ItemShare     bool
}

func (m *OptionRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.RequesterChar))
	w.boolean(m.ExpShare)
	w.boolean(m.ItemShare)
	return w.buf
}

func (m *OptionRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.RequesterChar = domain.CharID(r.u32())
	m.ExpShare = r.boolean()
	m.ItemShare = r.boolean()
	return r.Err()
}

// InfoRequest asks for a FullSnapshot of a party, typically after a notify
// for a party the cache does not hold.
type InfoRequest struct {
	Seq     uint32
	PartyID domain.PartyID
	Char    domain.CharID
}

func (m *InfoRequest) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.PartyID))
	w.u32(uint32(m.Char))
	return w.buf
}

func (m *InfoRequest) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.PartyID = domain.PartyID(r.u32())
	m.Char = domain.CharID(r.u32())
	return r.Err()
}

// OpReply is the typed result of a mutation request. Op echoes the request
// kind so callers can correlate beyond the sequence number.
type OpReply struct {
	Seq     uint32
	Op      Kind
	Result  Result
	PartyID domain.PartyID
}

func (m *OpReply) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u16(uint16(m.Op))
	w.u16(uint16(m.Result))
	w.u32(uint32(m.PartyID))
	return w.buf
}

func (m *OpReply) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Op = Kind(r.u16())
	m.Result = Result(r.u16())
	m.PartyID = domain.PartyID(r.u32())
	return r.Err()
}

// MemberJoined announces a committed join.
type MemberJoined struct {
	PartyID  domain.PartyID
	Revision uint64
	Member   domain.MemberRef
}

func (m *MemberJoined) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u64(m.Revision)
	w.member(&m.Member)
	return w.buf
}

func (m *MemberJoined) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	m.Revision = r.u64()
	m.Member = r.member()
	return r.Err()
}

// MemberLeft announces a committed leave or removal. NewLeaderChar is zero
// when leadership did not move. Removed distinguishes expulsion from a
// voluntary leave.
type MemberLeft struct {
	PartyID       domain.PartyID
	Revision      uint64
	Char          domain.CharID
	NewLeaderChar domain.CharID
	Removed       bool
}

func (m *MemberLeft) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u64(m.Revision)
	w.u32(uint32(m.Char))
	w.u32(uint32(m.NewLeaderChar))
	w.boolean(m.Removed)
	return w.buf
}

func (m *MemberLeft) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	m.Revision = r.u64()
	m.Char = domain.CharID(r.u32())
	m.NewLeaderChar = domain.CharID(r.u32())
	m.Removed = r.boolean()
	return r.Err()
}

// LeaderChanged announces a committed leadership transfer.
type LeaderChanged struct {
	PartyID    domain.PartyID
	Revision   uint64
	LeaderChar domain.CharID
}

func (m *LeaderChanged) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u64(m.Revision)
	w.u32(uint32(m.LeaderChar))
	return w.buf
}

func (m *LeaderChanged) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	m.Revision = r.u64()
	m.LeaderChar = domain.CharID(r.u32())
	return r.Err()
}

// OptionChanged announces committed group policies. AutoChanged marks a
// directory-initiated adjustment rather than a leader request.
type OptionChanged struct {
	PartyID     domain.PartyID
	Revision    uint64
	ExpShare    bool
	ItemShare   bool
	AutoChanged bool
}

func (m *OptionChanged) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u64(m.Revision)
	w.boolean(m.ExpShare)
	w.boolean(m.ItemShare)
	w.boolean(m.AutoChanged)
	return w.buf
}

func (m *OptionChanged) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	m.Revision = r.u64()
	m.ExpShare = r.boolean()
	m.ItemShare = r.boolean()
	m.AutoChanged = r.boolean()
	return r.Err()
}

// PartyDisbanded announces deletion of a party.
type PartyDisbanded struct {
	PartyID  domain.PartyID
	Revision uint64
}

func (m *PartyDisbanded) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u64(m.Revision)
	return w.buf
}

func (m *PartyDisbanded) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	m.Revision = r.u64()
	return r.Err()
}

// FullSnapshot carries complete party state for cache resynchronization.
// Members travel with their slot index, so mirrors reproduce the
// authoritative slot table including vacancies.
type FullSnapshot struct {
	Party domain.Party
}

func (m *FullSnapshot) Encode() []byte {
	var w writer
	p := &m.Party
	w.u32(uint32(p.ID))
	w.fixed(p.Name, domain.NameLength)
	w.u64(p.Revision)
	w.boolean(p.ExpShare)
	w.boolean(p.ItemShare)
	w.boolean(p.Flags.OptionAutoChanged)
	w.u8(uint8(p.MemberCount()))
	for slot, mem := range p.Slots {
		if mem == nil {
			continue
		}
		w.u8(uint8(slot))
		w.member(mem)
	}
	return w.buf
}

func (m *FullSnapshot) Decode(payload []byte) error {
	r := reader{buf: payload}
	p := domain.Party{
		ID:       domain.PartyID(r.u32()),
		Name:     r.fixed(domain.NameLength),
		Revision: r.u64(),
	}
	p.ExpShare = r.boolean()
	p.ItemShare = r.boolean()
	p.Flags.OptionAutoChanged = r.boolean()
	n := int(r.u8())
	if n > domain.MaxPartySize {
		return ErrProtocol
	}
	for i := 0; i < n; i++ {
		slot := int(r.u8())
		mem := r.member()
		if err := r.Err(); err != nil {
			return err
		}
		if slot >= domain.MaxPartySize || p.Slots[slot] != nil {
			return ErrProtocol
		}
		p.Slots[slot] = &mem
	}
	if err := r.Err(); err != nil {
		return err
	}
	p.RecomputeFlags()
	m.Party = p
	return nil
}

// PositionEntry is one member's liveness refresh.
type PositionEntry struct {
	Char    domain.CharID
	MapID   uint16
	X       uint16
	Y       uint16
	HPRatio uint8
	Online  bool
}

func (w *writer) position(e PositionEntry) {
	w.u32(uint32(e.Char))
	w.u16(e.MapID)
	w.u16(e.X)
	w.u16(e.Y)
	w.u8(e.HPRatio)
	w.boolean(e.Online)
}

func (r *reader) position() PositionEntry {
	return PositionEntry{
		Char:    domain.CharID(r.u32()),
		MapID:   r.u16(),
		X:       r.u16(),
		Y:       r.u16(),
		HPRatio: r.u8(),
		Online:  r.boolean(),
	}
}

// PositionUpdate is a world's batched refresh for its own members only.
type PositionUpdate struct {
	Entries []PositionEntry
}

func (m *PositionUpdate) Encode() []byte {
	var w writer
	w.u8(uint8(len(m.Entries)))
	for _, e := range m.Entries {
		w.position(e)
	}
	return w.buf
}

func (m *PositionUpdate) Decode(p []byte) error {
	r := reader{buf: p}
	n := int(r.u8())
	m.Entries = make([]PositionEntry, 0, n)
	for i := 0; i < n; i++ {
		m.Entries = append(m.Entries, r.position())
	}
	return r.Err()
}

// PositionBroadcast relays refreshed positions for one party to worlds
// holding it in cache.
type PositionBroadcast struct {
	PartyID domain.PartyID
	Entries []PositionEntry
}

func (m *PositionBroadcast) Encode() []byte {
	var w writer
	w.u32(uint32(m.PartyID))
	w.u8(uint8(len(m.Entries)))
	for _, e := range m.Entries {
		w.position(e)
	}
	return w.buf
}

func (m *PositionBroadcast) Decode(p []byte) error {
	r := reader{buf: p}
	m.PartyID = domain.PartyID(r.u32())
	n := int(r.u8())
	m.Entries = make([]PositionEntry, 0, n)
	for i := 0; i < n; i++ {
		m.Entries = append(m.Entries, r.position())
	}
	return r.Err()
}

// BookingRegister posts or replaces the sender's advertisement.
type BookingRegister struct {
	Seq      uint32
	Char     domain.CharID
	CharName string
	Level    uint16
	Criteria domain.BookingCriteria
}

func (m *BookingRegister) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.Char))
	w.fixed(m.CharName, domain.NameLength)
	w.u16(m.Level)
	w.criteria(m.Criteria)
	return w.buf
}

func (m *BookingRegister) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Char = domain.CharID(r.u32())
	m.CharName = r.fixed(domain.NameLength)
	m.Level = r.u16()
	m.Criteria = r.criteria()
	return r.Err()
}

// BookingUpdate replaces the criteria of an existing advertisement without
// disturbing its pagination index.
type BookingUpdate struct {
	Seq      uint32
	Char     domain.CharID
	Criteria domain.BookingCriteria
}

func (m *BookingUpdate) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.Char))
	w.criteria(m.Criteria)
	return w.buf
}

func (m *BookingUpdate) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Char = domain.CharID(r.u32())
	m.Criteria = r.criteria()
	return r.Err()
}

// BookingSearch pages through matching advertisements strictly after
// AfterIndex.
type BookingSearch struct {
	Seq        uint32
	Level      uint16
	Criteria   domain.BookingCriteria
	AfterIndex uint64
	MaxResults uint8
}

func (m *BookingSearch) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u16(m.Level)
	w.criteria(m.Criteria)
	w.u64(m.AfterIndex)
	w.u8(m.MaxResults)
	return w.buf
}

func (m *BookingSearch) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Level = r.u16()
	m.Criteria = r.criteria()
	m.AfterIndex = r.u64()
	m.MaxResults = r.u8()
	return r.Err()
}

// BookingDelete cancels the sender's advertisement. Idempotent.
type BookingDelete struct {
	Seq  uint32
	Char domain.CharID
}

func (m *BookingDelete) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u32(uint32(m.Char))
	return w.buf
}

func (m *BookingDelete) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Char = domain.CharID(r.u32())
	return r.Err()
}

// BookingReply reports the outcome of a register/update/delete with the
// ad's pagination index.
type BookingReply struct {
	Seq    uint32
	Result Result
	Index  uint64
}

func (m *BookingReply) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u16(uint16(m.Result))
	w.u64(m.Index)
	return w.buf
}

func (m *BookingReply) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Result = Result(r.u16())
	m.Index = r.u64()
	return r.Err()
}

// BookingSearchReply carries one result page in ascending index order.
type BookingSearchReply struct {
	Seq    uint32
	Result Result
	Ads    []domain.BookingAd
}

func (m *BookingSearchReply) Encode() []byte {
	var w writer
	w.u32(m.Seq)
	w.u16(uint16(m.Result))
	w.u8(uint8(len(m.Ads)))
	for i := range m.Ads {
		ad := &m.Ads[i]
		w.u64(ad.Index)
		w.u32(uint32(ad.CharID))
		w.fixed(ad.CharName, domain.NameLength)
		w.u16(ad.Level)
		w.u64(uint64(ad.ExpiresAt.Unix()))
		w.criteria(ad.Criteria)
	}
	return w.buf
}

func (m *BookingSearchReply) Decode(p []byte) error {
	r := reader{buf: p}
	m.Seq = r.u32()
	m.Result = Result(r.u16())
	n := int(r.u8())
	if n > domain.MaxBookingResults {
		return ErrProtocol
	}
	m.Ads = make([]domain.BookingAd, 0, n)
	for i := 0; i < n; i++ {
		ad := domain.BookingAd{
			Index:    r.u64(),
			CharID:   domain.CharID(r.u32()),
			CharName: r.fixed(domain.NameLength),
			Level:    r.u16(),
		}
		ad.ExpiresAt = time.Unix(int64(r.u64()), 0)
		ad.Criteria = r.criteria()
		m.Ads = append(m.Ads, ad)
	}
	return r.Err()
}
