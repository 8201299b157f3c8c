package domain

// Party constraints. Slot count and name width are wire-level constants
// shared by the directory and every world process.
const (
	// MaxPartySize is the fixed number of member slots in a party.
	MaxPartySize = 12

	// NameLength is the fixed width of name fields on the wire.
	// Names are zero-padded; the maximum usable length is NameLength-1.
	NameLength = 24
)

// Job codes that gate optional group behaviors.
const (
	JobMonk          uint16 = 15
	JobSuperNovice   uint16 = 23
	JobTaekwon       uint16 = 4046
	JobStarGladiator uint16 = 4047
)

// PartyID identifies a party. Immutable after creation.
type PartyID uint32

// AccountID identifies a player account.
type AccountID uint32

// CharID identifies a character.
type CharID uint32

// MemberRef is a weak reference to a character occupying a party slot.
//
// It never owns a live session; the owning world process is recorded as
// WorldID and resolved through the session table on demand. Position and
// HP fields hold the last state reported by that world.
type MemberRef struct {
	AccountID AccountID `json:"account_id"`
	CharID    CharID    `json:"char_id"`
	Name      string    `json:"name"`
	Level     uint16    `json:"level"`
	Job       uint16    `json:"job"`
	MapID     uint16    `json:"map_id"`
	X         uint16    `json:"x"`
	Y         uint16    `json:"y"`
	HPRatio   uint8     `json:"hp_ratio"` // 0-100
	Online    bool      `json:"online"`
	Leader    bool      `json:"leader"`
	WorldID   string    `json:"world_id"`
}

// Clone returns a deep copy of the member reference.
func (m *MemberRef) Clone() *MemberRef {
	c := *m
	return &c
}

// PartyFlags is the derived flag bundle recomputed on membership changes.
type PartyFlags struct {
	// Class presence flags gating optional group bonuses.
	HasMonk          bool `json:"has_monk"`
	HasSuperNovice   bool `json:"has_super_novice"`
	HasTaekwon       bool `json:"has_taekwon"`
	HasStarGladiator bool `json:"has_star_gladiator"`

	// OptionAutoChanged records that group policies were adjusted by the
	// directory rather than the leader.
	OptionAutoChanged bool `json:"option_auto_changed"`

	// MemberLevelChanged records that a member's level changed since the
	// flags were last consumed.
	MemberLevelChanged bool `json:"member_level_changed"`
}

// Party is the authoritative group entity.
//
// Invariants: exactly one occupied slot is the leader while the party has
// at least one member (transiently leaderless only inside a mutation that
// changes leaders); the member count never exceeds MaxPartySize; ID is
// immutable after creation.
type Party struct {
	ID   PartyID `json:"id"`
	Name string  `json:"name"`

	// Slots is the ordered member table; nil marks a vacant slot.
	Slots [MaxPartySize]*MemberRef `json:"slots"`

	// Group policies.
	ExpShare  bool `json:"exp_share"`
	ItemShare bool `json:"item_share"`

	// Flags is derived state; call RecomputeFlags after membership changes.
	Flags PartyFlags `json:"flags"`

	// Revision increases on every committed mutation. Notifies carry it so
	// duplicates are safely ignorable.
	Revision uint64 `json:"revision"`
}

// ValidName reports whether s is usable as a party name on the wire.
func ValidName(s string) bool {
	return s != "" && len(s) < NameLength
}

// NewParty creates a party with the given leader as its sole member.
func NewParty(id PartyID, name string, leader *MemberRef) (*Party, error) {
	if !ValidName(name) {
		return nil, ErrInvalidPartyName.WithDetails(name)
	}
	p := &Party{
		ID:       id,
		Name:     name,
		Revision: 1,
	}
	m := leader.Clone()
	m.Leader = true
	p.Slots[0] = m
	p.RecomputeFlags()
	return p, nil
}

// MemberCount returns the number of occupied slots.
func (p *Party) MemberCount() int {
	n := 0
	for _, m := range p.Slots {
		if m != nil {
			n++
		}
	}
	return n
}

// Members returns the occupied slots in slot order.
func (p *Party) Members() []*MemberRef {
	out := make([]*MemberRef, 0, MaxPartySize)
	for _, m := range p.Slots {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Member returns the member with the given character id, or nil.
func (p *Party) Member(id CharID) *MemberRef {
	if i := p.SlotOf(id); i >= 0 {
		return p.Slots[i]
	}
	return nil
}

// SlotOf returns the slot index of the given character, or -1.
func (p *Party) SlotOf(id CharID) int {
	for i, m := range p.Slots {
		if m != nil && m.CharID == id {
			return i
		}
	}
	return -1
}

// Leader returns the leader member, or nil while transiently leaderless.
func (p *Party) Leader() *MemberRef {
	for _, m := range p.Slots {
		if m != nil && m.Leader {
			return m
		}
	}
	return nil
}

// IsLeader reports whether the given character is the party leader.
func (p *Party) IsLeader(id CharID) bool {
	m := p.Member(id)
	return m != nil && m.Leader
}

// AddMember places the member in the first vacant slot.
func (p *Party) AddMember(ref *MemberRef) error {
	if p.SlotOf(ref.CharID) >= 0 {
		return ErrAlreadyGrouped
	}
	for i, m := range p.Slots {
		if m == nil {
			c := ref.Clone()
			c.Leader = false
			p.Slots[i] = c
			p.RecomputeFlags()
			return nil
		}
	}
	return ErrPartyFull
}

// RemoveMember vacates the member's slot and, if the member was leader and
// others remain, promotes the next occupied slot in slot order so the party
// is never left leaderless.
func (p *Party) RemoveMember(id CharID) (wasLeader bool, err error) {
	i := p.SlotOf(id)
	if i < 0 {
		return false, ErrNotAMember
	}
	wasLeader = p.Slots[i].Leader
	p.Slots[i] = nil
	if wasLeader {
		for j := 0; j < MaxPartySize; j++ {
			k := (i + j) % MaxPartySize
			if p.Slots[k] != nil {
				p.Slots[k].Leader = true
				break
			}
		}
	}
	p.RecomputeFlags()
	return wasLeader, nil
}

// SetLeader atomically moves the leader designation to the given member.
func (p *Party) SetLeader(id CharID) error {
	target := p.Member(id)
	if target == nil {
		return ErrNotAMember
	}
	for _, m := range p.Slots {
		if m != nil {
			m.Leader = false
		}
	}
	target.Leader = true
	return nil
}

// LevelRange returns the lowest and highest member levels.
func (p *Party) LevelRange() (min, max uint16) {
	first := true
	for _, m := range p.Slots {
		if m == nil {
			continue
		}
		if first {
			min, max = m.Level, m.Level
			first = false
			continue
		}
		if m.Level < min {
			min = m.Level
		}
		if m.Level > max {
			max = m.Level
		}
	}
	return min, max
}

// RecomputeFlags rebuilds the derived class-presence flags from the current
// membership. Bookkeeping bits (OptionAutoChanged, MemberLevelChanged) are
// preserved.
func (p *Party) RecomputeFlags() {
	f := PartyFlags{
		OptionAutoChanged:  p.Flags.OptionAutoChanged,
		MemberLevelChanged: p.Flags.MemberLevelChanged,
	}
	for _, m := range p.Slots {
		if m == nil {
			continue
		}
		switch m.Job {
		case JobMonk:
			f.HasMonk = true
		case JobSuperNovice:
			f.HasSuperNovice = true
		case JobTaekwon:
			f.HasTaekwon = true
		case JobStarGladiator:
			f.HasStarGladiator = true
		}
	}
	p.Flags = f
}

// WorldIDs returns the distinct world processes owning at least one member.
func (p *Party) WorldIDs() []string {
	seen := make(map[string]struct{}, 2)
	out := make([]string, 0, 2)
	for _, m := range p.Slots {
		if m == nil || m.WorldID == "" {
			continue
		}
		if _, ok := seen[m.WorldID]; ok {
			continue
		}
		seen[m.WorldID] = struct{}{}
		out = append(out, m.WorldID)
	}
	return out
}

// Clone returns a deep copy of the party.
func (p *Party) Clone() *Party {
	c := *p
	for i, m := range p.Slots {
		if m != nil {
			c.Slots[i] = m.Clone()
		}
	}
	return &c
}
