package dirserver

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/core/service"
	"github.com/ravengrove/partymesh/internal/telemetry/metric"
	"github.com/ravengrove/partymesh/internal/wire"
)

// worldConn is one connected world process.
type worldConn struct {
	worldID string
	sess    *wire.Session

	// searchLimiter throttles booking searches on this connection.
	searchLimiter *rate.Limiter
}

// WorldTable is the directory's connection and presence registry. It backs
// both service boundaries: Presence (where is a character) and Notifier
// (fan committed mutations out to worlds).
//
// Presence is learned from traffic: any request a world sends on behalf of
// a character pins that character to the world until the world disconnects
// or reports the character offline.
type WorldTable struct {
	logger  *slog.Logger
	metrics *metric.Registry

	mu    sync.RWMutex
	conns map[string]*worldConn
	chars map[domain.CharID]string
}

// NewWorldTable creates an empty table. metrics may be nil.
func NewWorldTable(logger *slog.Logger, metrics *metric.Registry) *WorldTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorldTable{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[string]*worldConn),
		chars:   make(map[domain.CharID]string),
	}
}

// Attach registers a world connection, replacing any previous connection
// for the same world id. Returns the replaced connection, if any.
func (t *WorldTable) Attach(conn *worldConn) *worldConn {
	t.mu.Lock()
	prev := t.conns[conn.worldID]
	t.conns[conn.worldID] = conn
	n := len(t.conns)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.WorldsConnected.Set(float64(n))
	}
	return prev
}

// Detach removes the connection if it is still the current one for its
// world id, and clears the world's presence entries. Reports whether the
// connection was current.
func (t *WorldTable) Detach(conn *worldConn) bool {
	t.mu.Lock()
	current := t.conns[conn.worldID] == conn
	if current {
		delete(t.conns, conn.worldID)
		for char, w := range t.chars {
			if w == conn.worldID {
				delete(t.chars, char)
			}
		}
	}
	n := len(t.conns)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.WorldsConnected.Set(float64(n))
	}
	return current
}

// ObserveChar pins a character to a world.
func (t *WorldTable) ObserveChar(char domain.CharID, worldID string) {
	t.mu.Lock()
	t.chars[char] = worldID
	t.mu.Unlock()
}

// DropChar clears a character's presence entry.
func (t *WorldTable) DropChar(char domain.CharID) {
	t.mu.Lock()
	delete(t.chars, char)
	t.mu.Unlock()
}

// Locate implements service.Presence.
func (t *WorldTable) Locate(_ domain.AccountID, char domain.CharID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	worldID, ok := t.chars[char]
	if !ok {
		return "", false
	}
	if _, up := t.conns[worldID]; !up {
		return "", false
	}
	return worldID, true
}

// send delivers one frame to a world, dropping it if the world is away.
// Notifies are revision-guarded on the receiving side, so a dropped frame
// is repaired by the snapshot on reconnect.
func (t *WorldTable) send(worldID string, kind wire.Kind, payload []byte) error {
	t.mu.RLock()
	conn, ok := t.conns[worldID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("world %s not connected", worldID)
	}

	if err := conn.sess.Send(kind, payload); err != nil {
		t.logger.Warn("notify send failed",
			"world_id", worldID, "kind", kind.String(), "error", err)
		return err
	}
	if t.metrics != nil {
		t.metrics.MessagesSent.WithLabelValues(kind.String()).Inc()
	}
	return nil
}

func (t *WorldTable) fanOut(worldIDs []string, kind wire.Kind, payload []byte) {
	for _, w := range worldIDs {
		t.send(w, kind, payload)
	}
}

// PartySnapshot implements service.Notifier.
func (t *WorldTable) PartySnapshot(worldID string, p *domain.Party) {
	msg := wire.FullSnapshot{Party: *p}
	t.send(worldID, wire.KindFullSnapshot, msg.Encode())
}

// MemberJoined implements service.Notifier.
func (t *WorldTable) MemberJoined(worldIDs []string, pid domain.PartyID, rev uint64, member *domain.MemberRef) {
	if t.metrics != nil {
		t.metrics.MembersJoined.Inc()
	}
	msg := wire.MemberJoined{PartyID: pid, Revision: rev, Member: *member}
	t.fanOut(worldIDs, wire.KindMemberJoined, msg.Encode())
}

// MemberLeft implements service.Notifier.
func (t *WorldTable) MemberLeft(worldIDs []string, pid domain.PartyID, rev uint64, char, newLeader domain.CharID, removed bool) {
	if t.metrics != nil {
		t.metrics.MembersLeft.Inc()
	}
	msg := wire.MemberLeft{PartyID: pid, Revision: rev, Char: char, NewLeaderChar: newLeader, Removed: removed}
	kind := wire.KindMemberLeft
	if removed {
		kind = wire.KindMemberRemoved
	}
	t.fanOut(worldIDs, kind, msg.Encode())
}

// LeaderChanged implements service.Notifier.
func (t *WorldTable) LeaderChanged(worldIDs []string, pid domain.PartyID, rev uint64, leader domain.CharID) {
	msg := wire.LeaderChanged{PartyID: pid, Revision: rev, LeaderChar: leader}
	t.fanOut(worldIDs, wire.KindLeaderChanged, msg.Encode())
}

// OptionChanged implements service.Notifier.
func (t *WorldTable) OptionChanged(worldIDs []string, pid domain.PartyID, rev uint64, expShare, itemShare, autoChanged bool) {
	msg := wire.OptionChanged{PartyID: pid, Revision: rev, ExpShare: expShare, ItemShare: itemShare, AutoChanged: autoChanged}
	t.fanOut(worldIDs, wire.KindOptionChanged, msg.Encode())
}

// PartyDisbanded implements service.Notifier.
func (t *WorldTable) PartyDisbanded(worldIDs []string, pid domain.PartyID, rev uint64) {
	msg := wire.PartyDisbanded{PartyID: pid, Revision: rev}
	t.fanOut(worldIDs, wire.KindPartyDisbanded, msg.Encode())
}

// PositionChanged implements service.Notifier.
func (t *WorldTable) PositionChanged(worldIDs []string, pid domain.PartyID, samples []service.PositionSample) {
	msg := wire.PositionBroadcast{PartyID: pid, Entries: make([]wire.PositionEntry, len(samples))}
	for i, s := range samples {
		msg.Entries[i] = wire.PositionEntry{
			Char: s.Char, MapID: s.MapID, X: s.X, Y: s.Y,
			HPRatio: s.HPRatio, Online: s.Online,
		}
	}
	t.fanOut(worldIDs, wire.KindPositionBroadcast, msg.Encode())
}

// InviteDelivered implements service.Notifier.
func (t *WorldTable) InviteDelivered(worldID string, inv service.Invite) error {
	msg := wire.InviteCreated{
		InviteID:      inv.ID,
		PartyID:       inv.PartyID,
		PartyName:     inv.PartyName,
		RequesterName: inv.RequesterName,
		TargetChar:    inv.TargetChar,
	}
	return t.send(worldID, wire.KindInviteCreated, msg.Encode())
}
