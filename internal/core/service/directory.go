package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/storage"
	"github.com/ravengrove/partymesh/pkg/cmap"
)

// Directory defaults.
const (
	DefaultGracePeriod        = 120 * time.Second
	DefaultExpShareLevelRange = 15

	nameLockStripes = 64
)

// DirectoryConfig tunes the authoritative party directory.
type DirectoryConfig struct {
	// GracePeriod bounds how long a disconnected world's members stay in
	// their parties before being removed with leave semantics.
	GracePeriod time.Duration

	// ExpShareLevelRange is the maximum member level spread that still
	// allows even experience sharing.
	ExpShareLevelRange uint16

	InviteTTL time.Duration
}

// PositionSample is one member's reported map state.
type PositionSample struct {
	Char    domain.CharID
	MapID   uint16
	X       uint16
	Y       uint16
	HPRatio uint8
	Online  bool
}

// Presence resolves where a character is currently playing. The directory
// server backs it with its connection table.
type Presence interface {
	// Locate returns the world owning the character's live session.
	Locate(account domain.AccountID, char domain.CharID) (worldID string, ok bool)
}

// Notifier fans committed mutations out to world processes. The directory
// calls it inside its commit path, after persistence and before replying to
// the requester, while holding the party's entry lock. Implementations may
// write to the network but every delivery must be deadline-bounded; a slow
// or dead world gets its frame dropped, not waited on.
type Notifier interface {
	PartySnapshot(worldID string, p *domain.Party)
	MemberJoined(worldIDs []string, partyID domain.PartyID, revision uint64, member *domain.MemberRef)
	MemberLeft(worldIDs []string, partyID domain.PartyID, revision uint64, char, newLeader domain.CharID, removed bool)
	LeaderChanged(worldIDs []string, partyID domain.PartyID, revision uint64, leader domain.CharID)
	OptionChanged(worldIDs []string, partyID domain.PartyID, revision uint64, expShare, itemShare, autoChanged bool)
	PartyDisbanded(worldIDs []string, partyID domain.PartyID, revision uint64)
	PositionChanged(worldIDs []string, partyID domain.PartyID, samples []PositionSample)

	// InviteDelivered pushes a pending invitation to the target's world.
	InviteDelivered(worldID string, inv Invite) error
}

// partyEntry pairs a party with its mutation lock. All reads and writes of
// the party go through the entry mutex; the cmap only guards the table.
type partyEntry struct {
	mu    sync.Mutex
	party *domain.Party
}

// Directory is the authoritative owner of all party state. Exactly one
// instance runs per cluster. Every mutation follows the same shape:
// validate, commit, persist, fan out, reply.
type Directory struct {
	cfg      DirectoryConfig
	store    storage.PartyStore
	presence Presence
	notifier Notifier
	invites  *InviteRegistry
	logger   *slog.Logger

	parties *cmap.Map[domain.PartyID, *partyEntry]
	members *cmap.Map[domain.CharID, domain.PartyID]
	names   *cmap.Map[string, domain.PartyID]

	// nameLocks serializes duplicate-name checks per name stripe so
	// unrelated creations never contend.
	nameLocks [nameLockStripes]sync.Mutex

	nextID atomic.Uint32

	graceMu     sync.Mutex
	graceTimers map[string]*time.Timer
}

// NewDirectory builds a directory over the given store and boots its
// in-memory tables from persisted state.
func NewDirectory(ctx context.Context, cfg DirectoryConfig, store storage.PartyStore, presence Presence, notifier Notifier, logger *slog.Logger) (*Directory, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ExpShareLevelRange == 0 {
		cfg.ExpShareLevelRange = DefaultExpShareLevelRange
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Directory{
		cfg:         cfg,
		store:       store,
		presence:    presence,
		notifier:    notifier,
		logger:      logger,
		parties:     cmap.New[domain.PartyID, *partyEntry](),
		members:     cmap.New[domain.CharID, domain.PartyID](),
		names:       cmap.New[string, domain.PartyID](),
		graceTimers: make(map[string]*time.Timer),
	}
	d.invites = NewInviteRegistry(cfg.InviteTTL, logger, nil)

	parties, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var maxID domain.PartyID
	for _, p := range parties {
		d.parties.Set(p.ID, &partyEntry{party: p})
		d.names.Set(nameKey(p.Name), p.ID)
		for _, m := range p.Members() {
			d.members.Set(m.CharID, p.ID)
		}
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	d.nextID.Store(uint32(maxID))

	logger.Info("directory recovered", "parties", len(parties))
	return d, nil
}

func nameKey(name string) string { return strings.ToLower(name) }

func (d *Directory) nameLock(name string) *sync.Mutex {
	h := murmur3.Sum32([]byte(nameKey(name)))
	return &d.nameLocks[h%nameLockStripes]
}

// PartyCount returns the number of live parties.
func (d *Directory) PartyCount() int { return d.parties.Count() }

// PendingInvites returns the number of unanswered invitations.
func (d *Directory) PendingInvites() int { return d.invites.Pending() }

// Close disarms all grace timers. Party state stays persisted.
func (d *Directory) Close() {
	d.graceMu.Lock()
	defer d.graceMu.Unlock()
	for id, t := range d.graceTimers {
		t.Stop()
		delete(d.graceTimers, id)
	}
}

// PartyOf returns the party id the character belongs to.
func (d *Directory) PartyOf(char domain.CharID) (domain.PartyID, bool) {
	return d.members.Get(char)
}

// Create forms a new party with the requester as sole member and leader.
func (d *Directory) Create(ctx context.Context, requester *domain.MemberRef, name string, expShare, itemShare bool) (*domain.Party, error) {
	if !domain.ValidName(name) {
		return nil, domain.ErrInvalidPartyName.WithDetails(name)
	}
	if d.members.Has(requester.CharID) {
		return nil, domain.ErrAlreadyGrouped
	}

	lock := d.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if d.names.Has(nameKey(name)) {
		return nil, domain.ErrPartyNameTaken.WithDetails(name)
	}

	id := domain.PartyID(d.nextID.Add(1))
	p, err := domain.NewParty(id, name, requester)
	if err != nil {
		return nil, err
	}
	p.ExpShare = expShare
	p.ItemShare = itemShare

	if err := d.store.Save(ctx, p); err != nil {
		return nil, domain.ErrInternalServer.WithCause(err)
	}

	d.parties.Set(id, &partyEntry{party: p})
	d.names.Set(nameKey(name), id)
	d.members.Set(requester.CharID, id)

	d.notifier.PartySnapshot(requester.WorldID, p.Clone())

	d.logger.Info("party created",
		"party_id", id, "name", name, "leader_char", requester.CharID)
	return p.Clone(), nil
}

// Invite registers a pending invitation and delivers it to the target's
// world. Party state is untouched until acceptance.
func (d *Directory) Invite(ctx context.Context, requesterChar domain.CharID, targetAccount domain.AccountID, targetChar domain.CharID) (Invite, error) {
	entry, pid, err := d.entryOf(requesterChar)
	if err != nil {
		return Invite{}, err
	}

	entry.mu.Lock()
	p := entry.party
	requester := p.Member(requesterChar)
	if requester == nil {
		entry.mu.Unlock()
		return Invite{}, domain.ErrNotAMember
	}
	if p.MemberCount() >= domain.MaxPartySize {
		entry.mu.Unlock()
		return Invite{}, domain.ErrPartyFull
	}
	partyName := p.Name
	requesterName := requester.Name
	entry.mu.Unlock()

	if d.members.Has(targetChar) {
		return Invite{}, domain.ErrTargetAlreadyGrouped
	}
	worldID, ok := d.presence.Locate(targetAccount, targetChar)
	if !ok {
		return Invite{}, domain.ErrTargetUnreachable
	}

	inv, err := d.invites.Add(pid, partyName, requesterChar, requesterName, targetAccount, targetChar)
	if err != nil {
		return Invite{}, err
	}
	if err := d.notifier.InviteDelivered(worldID, inv); err != nil {
		d.invites.Take(inv.ID)
		return Invite{}, domain.ErrTargetUnreachable.WithCause(err)
	}
	return inv, nil
}

// AnswerInvite consumes a pending invitation. On acceptance the target
// joins the party; a decline only clears the invitation.
func (d *Directory) AnswerInvite(ctx context.Context, inviteID uint32, accept bool, target *domain.MemberRef) (*domain.Party, error) {
	inv, err := d.invites.Take(inviteID)
	if err != nil {
		return nil, err
	}
	if !accept {
		d.logger.Debug("invite declined", "invite_id", inviteID, "party_id", inv.PartyID)
		return nil, nil
	}
	if target.CharID != inv.TargetChar {
		return nil, domain.ErrInviteNotFound
	}
	if d.members.Has(target.CharID) {
		return nil, domain.ErrAlreadyGrouped
	}

	entry, ok := d.parties.Get(inv.PartyID)
	if !ok {
		return nil, domain.ErrPartyNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// The party may have disbanded while we waited for the lock.
	if !d.liveLocked(entry) {
		return nil, domain.ErrPartyNotFound
	}

	p := entry.party
	priorWorlds := p.WorldIDs()
	wasSubscriber := contains(priorWorlds, target.WorldID)

	if err := p.AddMember(target); err != nil {
		return nil, err
	}

	// Joining may push the level spread past the sharing limit; the
	// directory revokes sharing itself rather than leaving an invalid
	// policy in place.
	autoRevoked := false
	if p.ExpShare {
		if lo, hi := p.LevelRange(); hi-lo > d.cfg.ExpShareLevelRange {
			p.ExpShare = false
			p.Flags.OptionAutoChanged = true
			autoRevoked = true
		}
	}

	p.Revision++
	if err := d.store.Save(ctx, p); err != nil {
		// Roll the commit back so memory and disk stay aligned.
		p.RemoveMember(target.CharID)
		p.Revision--
		return nil, domain.ErrInternalServer.WithCause(err)
	}
	d.members.Set(target.CharID, p.ID)

	d.notifier.MemberJoined(priorWorlds, p.ID, p.Revision, p.Member(target.CharID).Clone())
	if !wasSubscriber && target.WorldID != "" {
		d.notifier.PartySnapshot(target.WorldID, p.Clone())
	}
	if autoRevoked {
		d.notifier.OptionChanged(p.WorldIDs(), p.ID, p.Revision, p.ExpShare, p.ItemShare, true)
	}

	d.logger.Info("member joined",
		"party_id", p.ID, "char_id", target.CharID, "members", p.MemberCount())
	return p.Clone(), nil
}

// Leave removes the character from their party. The last member leaving
// disbands the party.
func (d *Directory) Leave(ctx context.Context, char domain.CharID) error {
	return d.removeMember(ctx, char, char, false)
}

// Remove expels the target from the requester's party. Leader only.
func (d *Directory) Remove(ctx context.Context, requesterChar, targetChar domain.CharID) error {
	return d.removeMember(ctx, requesterChar, targetChar, true)
}

func (d *Directory) removeMember(ctx context.Context, requesterChar, targetChar domain.CharID, expel bool) error {
	entry, _, err := d.entryOf(requesterChar)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !d.liveLocked(entry) {
		return domain.ErrPartyNotFound
	}

	p := entry.party
	if expel && !p.IsLeader(requesterChar) {
		return domain.ErrNotLeader
	}
	worlds := p.WorldIDs()

	wasLeader, err := p.RemoveMember(targetChar)
	if err != nil {
		return err
	}

	if p.MemberCount() == 0 {
		return d.disbandLocked(ctx, p, worlds)
	}

	var newLeader domain.CharID
	if wasLeader {
		if l := p.Leader(); l != nil {
			newLeader = l.CharID
		}
	}

	p.Revision++
	if err := d.store.Save(ctx, p); err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}
	d.members.Delete(targetChar)

	d.notifier.MemberLeft(worlds, p.ID, p.Revision, targetChar, newLeader, expel)

	d.logger.Info("member left",
		"party_id", p.ID, "char_id", targetChar, "expelled", expel, "members", p.MemberCount())
	return nil
}

// ChangeLeader moves leadership to the target member. Leader only.
func (d *Directory) ChangeLeader(ctx context.Context, requesterChar, targetChar domain.CharID) error {
	entry, _, err := d.entryOf(requesterChar)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !d.liveLocked(entry) {
		return domain.ErrPartyNotFound
	}

	p := entry.party
	if !p.IsLeader(requesterChar) {
		return domain.ErrNotLeader
	}
	if err := p.SetLeader(targetChar); err != nil {
		return err
	}

	p.Revision++
	if err := d.store.Save(ctx, p); err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}

	d.notifier.LeaderChanged(p.WorldIDs(), p.ID, p.Revision, targetChar)
	return nil
}

// ChangeOption sets the party's sharing policies. Leader only. Enabling
// experience sharing with a member level spread over the limit is refused
// and recorded as an automatic change.
func (d *Directory) ChangeOption(ctx context.Context, requesterChar domain.CharID, expShare, itemShare bool) error {
	entry, _, err := d.entryOf(requesterChar)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !d.liveLocked(entry) {
		return domain.ErrPartyNotFound
	}

	p := entry.party
	if !p.IsLeader(requesterChar) {
		return domain.ErrNotLeader
	}

	refused := false
	if expShare && !p.ExpShare {
		if lo, hi := p.LevelRange(); hi-lo > d.cfg.ExpShareLevelRange {
			expShare = false
			refused = true
		}
	}

	p.ExpShare = expShare
	p.ItemShare = itemShare
	p.Flags.OptionAutoChanged = refused

	p.Revision++
	if err := d.store.Save(ctx, p); err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}

	d.notifier.OptionChanged(p.WorldIDs(), p.ID, p.Revision, p.ExpShare, p.ItemShare, refused)

	if refused {
		return domain.ErrLevelRangeExceeded
	}
	return nil
}

// Disband dissolves the party regardless of membership.
func (d *Directory) Disband(ctx context.Context, partyID domain.PartyID) error {
	entry, ok := d.parties.Get(partyID)
	if !ok {
		return domain.ErrPartyNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !d.liveLocked(entry) {
		return domain.ErrPartyNotFound
	}
	return d.disbandLocked(ctx, entry.party, entry.party.WorldIDs())
}

// disbandLocked must be called with the party's entry mutex held.
func (d *Directory) disbandLocked(ctx context.Context, p *domain.Party, worlds []string) error {
	if err := d.store.Delete(ctx, p.ID); err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}

	for _, m := range p.Members() {
		d.members.Delete(m.CharID)
	}
	d.names.Delete(nameKey(p.Name))
	d.parties.Delete(p.ID)
	d.invites.DropParty(p.ID)

	p.Revision++
	d.notifier.PartyDisbanded(worlds, p.ID, p.Revision)

	d.logger.Info("party disbanded", "party_id", p.ID, "name", p.Name)
	return nil
}

// UpdatePositions applies a world's position batch. Only members owned by
// that world are touched; the merged state is relayed to the other worlds
// of each affected party.
func (d *Directory) UpdatePositions(worldID string, samples []PositionSample) {
	// Group by party first so each entry locks once per batch.
	byParty := make(map[domain.PartyID][]PositionSample)
	for _, s := range samples {
		pid, ok := d.members.Get(s.Char)
		if !ok {
			continue
		}
		byParty[pid] = append(byParty[pid], s)
	}

	for pid, group := range byParty {
		entry, ok := d.parties.Get(pid)
		if !ok {
			continue
		}

		entry.mu.Lock()
		p := entry.party
		applied := group[:0]
		for _, s := range group {
			m := p.Member(s.Char)
			if m == nil || m.WorldID != worldID {
				continue
			}
			m.MapID, m.X, m.Y = s.MapID, s.X, s.Y
			m.HPRatio = s.HPRatio
			m.Online = s.Online
			applied = append(applied, s)
		}
		var others []string
		if len(applied) > 0 {
			for _, w := range p.WorldIDs() {
				if w != worldID {
					others = append(others, w)
				}
			}
		}
		entry.mu.Unlock()

		if len(applied) > 0 && len(others) > 0 {
			d.notifier.PositionChanged(others, pid, applied)
		}
	}
}

// Snapshot returns a copy of the party for cache resync.
func (d *Directory) Snapshot(partyID domain.PartyID) (*domain.Party, error) {
	entry, ok := d.parties.Get(partyID)
	if !ok {
		return nil, domain.ErrPartyNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.party.Clone(), nil
}

// WorldDown marks the world's members offline everywhere and arms the
// removal grace timer. Call when a world connection drops.
func (d *Directory) WorldDown(worldID string) {
	affected := d.markWorld(worldID, false)

	d.graceMu.Lock()
	if t, ok := d.graceTimers[worldID]; ok {
		t.Stop()
	}
	d.graceTimers[worldID] = time.AfterFunc(d.cfg.GracePeriod, func() {
		d.graceExpired(worldID)
	})
	d.graceMu.Unlock()

	d.logger.Warn("world down",
		"world_id", worldID, "affected_parties", affected, "grace", d.cfg.GracePeriod)
}

// WorldUp cancels the world's grace timer, marks its members online again,
// and returns snapshots of every party referencing the world so the
// reconnecting cache can resync.
func (d *Directory) WorldUp(worldID string) []*domain.Party {
	d.graceMu.Lock()
	if t, ok := d.graceTimers[worldID]; ok {
		t.Stop()
		delete(d.graceTimers, worldID)
	}
	d.graceMu.Unlock()

	d.markWorld(worldID, true)

	var snapshots []*domain.Party
	d.parties.Range(func(_ domain.PartyID, entry *partyEntry) bool {
		entry.mu.Lock()
		if contains(entry.party.WorldIDs(), worldID) {
			snapshots = append(snapshots, entry.party.Clone())
		}
		entry.mu.Unlock()
		return true
	})

	d.logger.Info("world up", "world_id", worldID, "parties", len(snapshots))
	return snapshots
}

// markWorld flips the online flag of every member owned by the world and
// fans the change to the other worlds of each affected party. Returns the
// number of affected parties.
func (d *Directory) markWorld(worldID string, online bool) int {
	affected := 0
	d.parties.Range(func(pid domain.PartyID, entry *partyEntry) bool {
		entry.mu.Lock()
		p := entry.party
		var samples []PositionSample
		for _, m := range p.Members() {
			if m.WorldID != worldID || m.Online == online {
				continue
			}
			m.Online = online
			samples = append(samples, PositionSample{
				Char: m.CharID, MapID: m.MapID, X: m.X, Y: m.Y,
				HPRatio: m.HPRatio, Online: online,
			})
		}
		var others []string
		if len(samples) > 0 {
			affected++
			for _, w := range p.WorldIDs() {
				if w != worldID {
					others = append(others, w)
				}
			}
		}
		entry.mu.Unlock()

		if len(samples) > 0 && len(others) > 0 {
			d.notifier.PositionChanged(others, pid, samples)
		}
		return true
	})
	return affected
}

// graceExpired removes every member owned by a world that never came back.
func (d *Directory) graceExpired(worldID string) {
	d.graceMu.Lock()
	delete(d.graceTimers, worldID)
	d.graceMu.Unlock()

	ctx := context.Background()
	var orphans []domain.CharID
	d.parties.Range(func(_ domain.PartyID, entry *partyEntry) bool {
		entry.mu.Lock()
		for _, m := range entry.party.Members() {
			if m.WorldID == worldID {
				orphans = append(orphans, m.CharID)
			}
		}
		entry.mu.Unlock()
		return true
	})

	for _, char := range orphans {
		if err := d.removeMember(ctx, char, char, false); err != nil &&
			!errors.Is(err, domain.ErrNotAMember) && !errors.Is(err, domain.ErrPartyNotFound) {
			d.logger.Error("grace removal failed", "char_id", char, "error", err)
		}
	}

	d.logger.Warn("grace expired",
		"world_id", worldID, "removed_members", len(orphans))
}

// entryOf resolves the character's party entry through the member index.
// Callers that mutate must recheck liveness under the entry mutex with
// liveLocked, since a disband can race the lookup.
func (d *Directory) entryOf(char domain.CharID) (*partyEntry, domain.PartyID, error) {
	pid, ok := d.members.Get(char)
	if !ok {
		return nil, 0, domain.ErrNotAMember
	}
	entry, ok := d.parties.Get(pid)
	if !ok {
		return nil, 0, domain.ErrPartyNotFound
	}
	return entry, pid, nil
}

// liveLocked reports whether the entry's party is still in the table. Must
// be called with the entry mutex held.
func (d *Directory) liveLocked(entry *partyEntry) bool {
	return d.parties.Has(entry.party.ID)
}

func contains(worlds []string, w string) bool {
	for _, x := range worlds {
		if x == w {
			return true
		}
	}
	return false
}
