// Package worldcache mirrors party state on a world process.
//
// The cache is strictly follow-only: local actions go to the directory as
// requests, and the mirror changes only when a notify or snapshot arrives.
// Every notify carries the party revision; anything at or below the cached
// revision is a duplicate or a reordering and is dropped. A notify for a
// party the cache does not hold triggers a snapshot request through the
// OnMissing hook.
package worldcache

import (
	"log/slog"
	"sync"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/wire"
)

// entry is one mirrored party plus the local loot cursor.
type entry struct {
	party *domain.Party

	// itemPos is the turn-taking cursor for shared loot. It indexes slots,
	// not members, so it stays meaningful across joins and leaves.
	itemPos int
}

// localState is the last reported position of a locally connected character,
// flushed to the directory in batches by the position ticker.
type localState struct {
	mapID uint16
	x, y  uint16
	hp    uint8
	dirty bool
}

// Cache is the party mirror of a single world process.
type Cache struct {
	logger *slog.Logger

	// OnMissing is invoked, outside the cache lock, when a notify references
	// a party the cache does not hold. Wire it to an InfoRequest sender.
	OnMissing func(pid domain.PartyID, char domain.CharID)

	mu      sync.RWMutex
	worldID string
	entries map[domain.PartyID]*entry
	byChar  map[domain.CharID]domain.PartyID
	local   map[domain.CharID]*localState
}

// NewCache creates an empty mirror.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:  logger,
		entries: make(map[domain.PartyID]*entry),
		byChar:  make(map[domain.CharID]domain.PartyID),
		local:   make(map[domain.CharID]*localState),
	}
}

// SetWorldID records the identity assigned during the handshake. Members
// whose WorldID differs are treated as remote.
func (c *Cache) SetWorldID(id string) {
	c.mu.Lock()
	c.worldID = id
	c.mu.Unlock()
}

// WorldID returns the handshake-assigned identity.
func (c *Cache) WorldID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldID
}

// AttachLocal marks a character as connected to this world. If the
// character references a party the cache does not hold yet, the snapshot
// hook fires.
func (c *Cache) AttachLocal(char domain.CharID, pid domain.PartyID) {
	c.mu.Lock()
	if _, ok := c.local[char]; !ok {
		c.local[char] = &localState{}
	}
	missing := pid != 0 && c.entries[pid] == nil
	c.mu.Unlock()

	if missing && c.OnMissing != nil {
		c.OnMissing(pid, char)
	}
}

// DetachLocal clears a character's local markers. The party entry is
// evicted once no locally connected member remains.
func (c *Cache) DetachLocal(char domain.CharID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.local, char)
	pid, ok := c.byChar[char]
	if !ok {
		return
	}
	if e := c.entries[pid]; e != nil && !c.hasLocalMemberLocked(e.party) {
		c.evictLocked(pid)
	}
}

// ApplySnapshot installs or replaces a party mirror. Snapshots are
// authoritative and bypass the revision guard; the loot cursor survives a
// resync.
func (c *Cache) ApplySnapshot(p *domain.Party) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.entries[p.ID]
	if prev != nil {
		for _, m := range prev.party.Members() {
			delete(c.byChar, m.CharID)
		}
	}

	e := &entry{party: p.Clone()}
	if prev != nil {
		e.itemPos = prev.itemPos
	}
	c.entries[p.ID] = e
	for _, m := range e.party.Members() {
		c.byChar[m.CharID] = p.ID
	}
}

// ApplyMemberJoined merges a committed join into the mirror.
func (c *Cache) ApplyMemberJoined(m *wire.MemberJoined) {
	e, ok := c.guard(m.PartyID, m.Revision, 0)
	if !ok {
		return
	}
	defer c.mu.Unlock()

	if err := e.party.AddMember(&m.Member); err != nil {
		c.logger.Warn("join notify rejected", "party_id", m.PartyID, "error", err)
		return
	}
	e.party.Revision = m.Revision
	c.byChar[m.Member.CharID] = m.PartyID
}

// ApplyMemberLeft merges a committed leave or expulsion. The entry is
// evicted when no locally connected member remains.
func (c *Cache) ApplyMemberLeft(m *wire.MemberLeft) {
	e, ok := c.guard(m.PartyID, m.Revision, m.Char)
	if !ok {
		return
	}
	defer c.mu.Unlock()

	e.party.RemoveMember(m.Char)
	if m.NewLeaderChar != 0 {
		e.party.SetLeader(m.NewLeaderChar)
	}
	e.party.Revision = m.Revision
	delete(c.byChar, m.Char)

	if !c.hasLocalMemberLocked(e.party) {
		c.evictLocked(m.PartyID)
	}
}

// ApplyLeaderChanged merges a committed leadership transfer.
func (c *Cache) ApplyLeaderChanged(m *wire.LeaderChanged) {
	e, ok := c.guard(m.PartyID, m.Revision, m.LeaderChar)
	if !ok {
		return
	}
	defer c.mu.Unlock()

	e.party.SetLeader(m.LeaderChar)
	e.party.Revision = m.Revision
}

// ApplyOptionChanged merges a committed policy change.
func (c *Cache) ApplyOptionChanged(m *wire.OptionChanged) {
	e, ok := c.guard(m.PartyID, m.Revision, 0)
	if !ok {
		return
	}
	defer c.mu.Unlock()

	e.party.ExpShare = m.ExpShare
	e.party.ItemShare = m.ItemShare
	e.party.Flags.OptionAutoChanged = m.AutoChanged
	e.party.Revision = m.Revision
}

// ApplyDisbanded evicts the party.
func (c *Cache) ApplyDisbanded(m *wire.PartyDisbanded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(m.PartyID)
}

// ApplyPositions merges a relayed position batch. Entries for members this
// world owns are ignored; the local map is the authority for those.
func (c *Cache) ApplyPositions(pid domain.PartyID, entries []wire.PositionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[pid]
	if e == nil {
		return
	}
	for _, pe := range entries {
		m := e.party.Member(pe.Char)
		if m == nil || m.WorldID == c.worldID {
			continue
		}
		m.MapID, m.X, m.Y = pe.MapID, pe.X, pe.Y
		m.HPRatio = pe.HPRatio
		m.Online = pe.Online
	}
}

// guard locks the cache and returns the entry if the revision advances the
// mirror. On a miss it fires the snapshot hook and reports false with the
// lock released.
func (c *Cache) guard(pid domain.PartyID, rev uint64, char domain.CharID) (*entry, bool) {
	c.mu.Lock()
	e := c.entries[pid]
	if e == nil {
		c.mu.Unlock()
		if c.OnMissing != nil {
			c.OnMissing(pid, char)
		}
		return nil, false
	}
	if rev <= e.party.Revision {
		c.mu.Unlock()
		return nil, false
	}
	return e, true
}

// Party returns a copy of the mirrored party, or nil.
func (c *Cache) Party(pid domain.PartyID) *domain.Party {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.entries[pid]; e != nil {
		return e.party.Clone()
	}
	return nil
}

// PartyOf returns the party a character belongs to, if mirrored.
func (c *Cache) PartyOf(char domain.CharID) (domain.PartyID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pid, ok := c.byChar[char]
	return pid, ok
}

// Len returns the number of mirrored parties.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ExpAward is one character's share of a kill.
type ExpAward struct {
	Char domain.CharID
	Base uint64
	Job  uint64
}

// AddExp distributes kill experience. With exp share off, or for an
// ungrouped character, the source keeps everything. With exp share on, the
// total splits evenly across the locally connected, online members standing
// on the source's map; remote members earn on their own world.
func (c *Cache) AddExp(source domain.CharID, baseExp, jobExp uint64) []ExpAward {
	c.mu.RLock()
	defer c.mu.RUnlock()

	solo := []ExpAward{{Char: source, Base: baseExp, Job: jobExp}}

	pid, ok := c.byChar[source]
	if !ok {
		return solo
	}
	e := c.entries[pid]
	if e == nil || !e.party.ExpShare {
		return solo
	}
	src := e.party.Member(source)
	if src == nil {
		return solo
	}

	var share []domain.CharID
	for _, m := range e.party.Members() {
		if !m.Online || m.MapID != src.MapID {
			continue
		}
		if _, local := c.local[m.CharID]; !local {
			continue
		}
		share = append(share, m.CharID)
	}
	if len(share) <= 1 {
		return solo
	}

	n := uint64(len(share))
	awards := make([]ExpAward, 0, n)
	for _, char := range share {
		awards = append(awards, ExpAward{Char: char, Base: baseExp / n, Job: jobExp / n})
	}
	return awards
}

// ShareLoot picks the member whose turn it is to receive a shared drop,
// advancing the cursor. Vacant slots, remote members, and offline members
// are skipped. With item share off the finder keeps the drop.
func (c *Cache) ShareLoot(finder domain.CharID) domain.CharID {
	c.mu.Lock()
	defer c.mu.Unlock()

	pid, ok := c.byChar[finder]
	if !ok {
		return finder
	}
	e := c.entries[pid]
	if e == nil || !e.party.ItemShare {
		return finder
	}

	for i := 1; i <= domain.MaxPartySize; i++ {
		slot := (e.itemPos + i) % domain.MaxPartySize
		m := e.party.Slots[slot]
		if m == nil || !m.Online {
			continue
		}
		if _, local := c.local[m.CharID]; !local {
			continue
		}
		e.itemPos = slot
		return m.CharID
	}
	return finder
}

// ReportPosition records local movement for the next position batch.
func (c *Cache) ReportPosition(char domain.CharID, mapID, x, y uint16, hp uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.local[char]
	if !ok {
		return
	}
	st.mapID, st.x, st.y, st.hp = mapID, x, y, hp
	st.dirty = true
}

// CollectDirty drains the pending position reports of grouped characters
// into one batch. Called from the position ticker.
func (c *Cache) CollectDirty() []wire.PositionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []wire.PositionEntry
	for char, st := range c.local {
		if !st.dirty {
			continue
		}
		st.dirty = false
		if _, grouped := c.byChar[char]; !grouped {
			continue
		}
		batch = append(batch, wire.PositionEntry{
			Char: char, MapID: st.mapID, X: st.x, Y: st.y,
			HPRatio: st.hp, Online: true,
		})
	}
	return batch
}

func (c *Cache) hasLocalMemberLocked(p *domain.Party) bool {
	for _, m := range p.Members() {
		if _, ok := c.local[m.CharID]; ok {
			return true
		}
	}
	return false
}

func (c *Cache) evictLocked(pid domain.PartyID) {
	e := c.entries[pid]
	if e == nil {
		return
	}
	for _, m := range e.party.Members() {
		if c.byChar[m.CharID] == pid {
			delete(c.byChar, m.CharID)
		}
	}
	delete(c.entries, pid)
}
