package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/storage/memory"
)

// fakePresence answers Locate from a static map keyed by character id.
type fakePresence struct {
	worlds map[domain.CharID]string
}

func (f *fakePresence) Locate(_ domain.AccountID, char domain.CharID) (string, bool) {
	w, ok := f.worlds[char]
	return w, ok
}

// event records one notifier call for assertions.
type event struct {
	kind    string
	worlds  []string
	partyID domain.PartyID
	rev     uint64
	char    domain.CharID
	leader  domain.CharID
	exp     bool
	auto    bool
	samples []PositionSample
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (f *fakeNotifier) record(e event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeNotifier) PartySnapshot(worldID string, p *domain.Party) {
	f.record(event{kind: "snapshot", worlds: []string{worldID}, partyID: p.ID, rev: p.Revision})
}

func (f *fakeNotifier) MemberJoined(worlds []string, pid domain.PartyID, rev uint64, m *domain.MemberRef) {
	f.record(event{kind: "joined", worlds: worlds, partyID: pid, rev: rev, char: m.CharID})
}

func (f *fakeNotifier) MemberLeft(worlds []string, pid domain.PartyID, rev uint64, char, newLeader domain.CharID, removed bool) {
	f.record(event{kind: "left", worlds: worlds, partyID: pid, rev: rev, char: char, leader: newLeader})
}

func (f *fakeNotifier) LeaderChanged(worlds []string, pid domain.PartyID, rev uint64, leader domain.CharID) {
	f.record(event{kind: "leader", worlds: worlds, partyID: pid, rev: rev, leader: leader})
}

func (f *fakeNotifier) OptionChanged(worlds []string, pid domain.PartyID, rev uint64, exp, item, auto bool) {
	f.record(event{kind: "option", worlds: worlds, partyID: pid, rev: rev, exp: exp, auto: auto})
}

func (f *fakeNotifier) PartyDisbanded(worlds []string, pid domain.PartyID, rev uint64) {
	f.record(event{kind: "disbanded", worlds: worlds, partyID: pid, rev: rev})
}

func (f *fakeNotifier) PositionChanged(worlds []string, pid domain.PartyID, samples []PositionSample) {
	f.record(event{kind: "position", worlds: worlds, partyID: pid, samples: samples})
}

func (f *fakeNotifier) InviteDelivered(worldID string, inv Invite) error {
	f.record(event{kind: "invite", worlds: []string{worldID}})
	return nil
}

func (f *fakeNotifier) last(kind string) *event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].kind == kind {
			e := f.events[i]
			return &e
		}
	}
	return nil
}

func (f *fakeNotifier) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func memberOn(world string, account domain.AccountID, char domain.CharID, name string, level uint16) *domain.MemberRef {
	return &domain.MemberRef{
		AccountID: account, CharID: char, Name: name,
		Level: level, Online: true, WorldID: world,
	}
}

func newTestDirectory(t *testing.T, presence *fakePresence) (*Directory, *fakeNotifier) {
	t.Helper()

	if presence == nil {
		presence = &fakePresence{worlds: map[domain.CharID]string{}}
	}
	notifier := &fakeNotifier{}
	d, err := NewDirectory(context.Background(), DirectoryConfig{}, memory.New(), presence, notifier, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	t.Cleanup(d.Close)
	return d, notifier
}

// join wires an invite through acceptance without asserting intermediate
// state; helpers below rely on it heavily.
func join(t *testing.T, d *Directory, presence *fakePresence, requester domain.CharID, target *domain.MemberRef) *domain.Party {
	t.Helper()

	presence.worlds[target.CharID] = target.WorldID
	inv, err := d.Invite(context.Background(), requester, target.AccountID, target.CharID)
	if err != nil {
		t.Fatalf("Invite %d: %v", target.CharID, err)
	}
	p, err := d.AnswerInvite(context.Background(), inv.ID, true, target)
	if err != nil {
		t.Fatalf("AnswerInvite %d: %v", target.CharID, err)
	}
	return p
}

func TestCreateParty(t *testing.T) {
	d, n := newTestDirectory(t, nil)
	ctx := context.Background()

	leader := memberOn("pmwd-a", 1, 10, "alice", 50)
	p, err := d.Create(ctx, leader, "vanguards", true, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == 0 || p.Revision != 1 || !p.IsLeader(10) {
		t.Fatalf("created party %+v", p)
	}
	if e := n.last("snapshot"); e == nil || e.worlds[0] != "pmwd-a" {
		t.Fatal("no snapshot pushed to creator's world")
	}

	// Duplicate name, case-insensitively.
	if _, err := d.Create(ctx, memberOn("pmwd-a", 2, 11, "bob", 50), "Vanguards", false, false); !errors.Is(err, domain.ErrPartyNameTaken) {
		t.Fatalf("duplicate name: got %v", err)
	}
	// Requester already grouped.
	if _, err := d.Create(ctx, leader, "others", false, false); !errors.Is(err, domain.ErrAlreadyGrouped) {
		t.Fatalf("grouped requester: got %v", err)
	}
}

func TestInviteAcceptFlow(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	leader := memberOn("pmwd-a", 1, 10, "alice", 50)
	if _, err := d.Create(ctx, leader, "vanguards", false, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	target := memberOn("pmwd-b", 2, 20, "bob", 52)
	p := join(t, d, presence, 10, target)

	if p.MemberCount() != 2 {
		t.Fatalf("member count %d", p.MemberCount())
	}
	if pid, ok := d.PartyOf(20); !ok || pid != p.ID {
		t.Fatal("member index not updated")
	}
	// Prior worlds got the incremental notify; the new world got a snapshot.
	if e := n.last("joined"); e == nil || e.char != 20 || e.worlds[0] != "pmwd-a" {
		t.Fatalf("joined notify: %+v", n.last("joined"))
	}
	if e := n.last("snapshot"); e == nil || e.worlds[0] != "pmwd-b" {
		t.Fatalf("snapshot for joining world missing")
	}
}

func TestInviteFailures(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, _ := newTestDirectory(t, presence)
	ctx := context.Background()

	if _, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "alpha", false, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Create(ctx, memberOn("pmwd-a", 2, 20, "bob", 50), "beta", false, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Target already in a party.
	presence.worlds[20] = "pmwd-a"
	if _, err := d.Invite(ctx, 10, 2, 20); !errors.Is(err, domain.ErrTargetAlreadyGrouped) {
		t.Fatalf("grouped target: got %v", err)
	}
	// Target offline.
	if _, err := d.Invite(ctx, 10, 3, 30); !errors.Is(err, domain.ErrTargetUnreachable) {
		t.Fatalf("offline target: got %v", err)
	}
	// Requester not in any party.
	if _, err := d.Invite(ctx, 99, 3, 30); !errors.Is(err, domain.ErrNotAMember) {
		t.Fatalf("ungrouped requester: got %v", err)
	}
}

func TestInviteFullParty(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, _ := newTestDirectory(t, presence)
	ctx := context.Background()

	if _, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "full house", false, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i < domain.MaxPartySize; i++ {
		char := domain.CharID(100 + i)
		join(t, d, presence, 10, memberOn("pmwd-a", domain.AccountID(char), char, "m", 50))
	}

	presence.worlds[999] = "pmwd-a"
	if _, err := d.Invite(ctx, 10, 999, 999); !errors.Is(err, domain.ErrPartyFull) {
		t.Fatalf("full party: got %v", err)
	}
}

func TestLeaveAndLeaderPromotion(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "vanguards", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-a", 2, 20, "bob", 50))
	join(t, d, presence, 10, memberOn("pmwd-a", 3, 30, "carol", 50))

	// Leader leaves: leadership moves to the next occupied slot.
	if err := d.Leave(ctx, 10); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	snap, err := d.Snapshot(p.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.IsLeader(20) {
		t.Fatalf("leadership did not pass to slot order: leader is %+v", snap.Leader())
	}
	if e := n.last("left"); e == nil || e.char != 10 || e.leader != 20 {
		t.Fatalf("left notify: %+v", n.last("left"))
	}
	if _, ok := d.PartyOf(10); ok {
		t.Fatal("member index kept departed char")
	}
}

func TestLastLeaverDisbands(t *testing.T) {
	d, n := newTestDirectory(t, nil)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "solo", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Leave(ctx, 10); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if d.PartyCount() != 0 {
		t.Fatal("party survived last leave")
	}
	if e := n.last("disbanded"); e == nil || e.partyID != p.ID {
		t.Fatal("no disband notify")
	}
	// Name is free again.
	if _, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "solo", false, false); err != nil {
		t.Fatalf("recreate after disband: %v", err)
	}
}

func TestRemoveRequiresLeader(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, _ := newTestDirectory(t, presence)
	ctx := context.Background()

	if _, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "vanguards", false, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-a", 2, 20, "bob", 50))

	if err := d.Remove(ctx, 20, 10); !errors.Is(err, domain.ErrNotLeader) {
		t.Fatalf("non-leader expel: got %v", err)
	}
	if err := d.Remove(ctx, 10, 20); err != nil {
		t.Fatalf("leader expel: %v", err)
	}
}

func TestChangeLeader(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "vanguards", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-a", 2, 20, "bob", 50))

	if err := d.ChangeLeader(ctx, 20, 10); !errors.Is(err, domain.ErrNotLeader) {
		t.Fatalf("non-leader change: got %v", err)
	}
	if err := d.ChangeLeader(ctx, 10, 99); !errors.Is(err, domain.ErrNotAMember) {
		t.Fatalf("outsider target: got %v", err)
	}
	if err := d.ChangeLeader(ctx, 10, 20); err != nil {
		t.Fatalf("ChangeLeader: %v", err)
	}

	snap, _ := d.Snapshot(p.ID)
	if !snap.IsLeader(20) || snap.IsLeader(10) {
		t.Fatal("leadership not moved atomically")
	}
	if e := n.last("leader"); e == nil || e.leader != 20 {
		t.Fatal("no leader notify")
	}
}

func TestChangeOptionLevelGate(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 90), "spread", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-a", 2, 20, "bob", 30))

	// Spread 60 > 15: enabling exp share is refused and recorded.
	err = d.ChangeOption(ctx, 10, true, true)
	if !errors.Is(err, domain.ErrLevelRangeExceeded) {
		t.Fatalf("wide spread: got %v", err)
	}
	snap, _ := d.Snapshot(p.ID)
	if snap.ExpShare {
		t.Fatal("exp share enabled despite refusal")
	}
	if !snap.ItemShare {
		t.Fatal("item share change dropped on refusal")
	}
	if !snap.Flags.OptionAutoChanged {
		t.Fatal("automatic change not recorded")
	}
	if e := n.last("option"); e == nil || e.exp || !e.auto {
		t.Fatalf("option notify: %+v", n.last("option"))
	}
}

func TestJoinAutoRevokesExpShare(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 90), "spread", true, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-a", 2, 20, "bob", 30))

	snap, _ := d.Snapshot(p.ID)
	if snap.ExpShare {
		t.Fatal("exp share survived an over-limit join")
	}
	if !snap.Flags.OptionAutoChanged {
		t.Fatal("auto revoke not recorded")
	}
	if e := n.last("option"); e == nil || !e.auto {
		t.Fatal("no auto-change notify")
	}
}

func TestUpdatePositionsWorldOwnership(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, n := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "cross", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-b", 2, 20, "bob", 50))

	// World B reports both members; only its own may change.
	d.UpdatePositions("pmwd-b", []PositionSample{
		{Char: 10, MapID: 9, X: 1, Y: 1, HPRatio: 50, Online: true},
		{Char: 20, MapID: 5, X: 7, Y: 8, HPRatio: 80, Online: true},
	})

	snap, _ := d.Snapshot(p.ID)
	if snap.Member(10).MapID == 9 {
		t.Fatal("foreign world mutated another world's member")
	}
	if m := snap.Member(20); m.MapID != 5 || m.X != 7 || m.HPRatio != 80 {
		t.Fatalf("own member not updated: %+v", m)
	}
	e := n.last("position")
	if e == nil || e.worlds[0] != "pmwd-a" || len(e.samples) != 1 || e.samples[0].Char != 20 {
		t.Fatalf("position relay: %+v", e)
	}
}

func TestWorldDownGraceAndReconnect(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	notifier := &fakeNotifier{}
	d, err := NewDirectory(context.Background(), DirectoryConfig{GracePeriod: time.Hour}, memory.New(), presence, notifier, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "cross", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-b", 2, 20, "bob", 50))

	d.WorldDown("pmwd-b")
	snap, _ := d.Snapshot(p.ID)
	if snap.Member(20).Online {
		t.Fatal("down world's member still online")
	}
	if snap.Member(20) == nil {
		t.Fatal("member removed before grace expiry")
	}
	if e := notifier.last("position"); e == nil || e.worlds[0] != "pmwd-a" {
		t.Fatal("offline flip not relayed")
	}

	snaps := d.WorldUp("pmwd-b")
	if len(snaps) != 1 || snaps[0].ID != p.ID {
		t.Fatalf("WorldUp returned %d snapshots", len(snaps))
	}
	snap, _ = d.Snapshot(p.ID)
	if !snap.Member(20).Online {
		t.Fatal("member not restored on reconnect")
	}
}

func TestGraceExpiryRemovesMembers(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	d, _ := newTestDirectory(t, presence)
	ctx := context.Background()

	p, err := d.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "cross", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	join(t, d, presence, 10, memberOn("pmwd-b", 2, 20, "bob", 50))

	// Drive the expiry directly instead of waiting out the timer.
	d.graceExpired("pmwd-b")

	snap, _ := d.Snapshot(p.ID)
	if snap.Member(20) != nil {
		t.Fatal("member survived grace expiry")
	}
	if snap.MemberCount() != 1 {
		t.Fatalf("member count %d", snap.MemberCount())
	}
}

func TestDirectoryRecovery(t *testing.T) {
	presence := &fakePresence{worlds: map[domain.CharID]string{}}
	store := memory.New()
	ctx := context.Background()

	d1, err := NewDirectory(ctx, DirectoryConfig{}, store, presence, &fakeNotifier{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	p, err := d1.Create(ctx, memberOn("pmwd-a", 1, 10, "alice", 50), "persisted", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d1.Close()

	d2, err := NewDirectory(ctx, DirectoryConfig{}, store, presence, &fakeNotifier{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	defer d2.Close()

	if d2.PartyCount() != 1 {
		t.Fatalf("recovered %d parties", d2.PartyCount())
	}
	if pid, ok := d2.PartyOf(10); !ok || pid != p.ID {
		t.Fatal("member index not rebuilt")
	}
	// New ids continue after the recovered maximum.
	p2, err := d2.Create(ctx, memberOn("pmwd-a", 2, 20, "bob", 50), "fresh", false, false)
	if err != nil {
		t.Fatalf("Create after recovery: %v", err)
	}
	if p2.ID <= p.ID {
		t.Fatalf("id %d not after recovered max %d", p2.ID, p.ID)
	}
}
