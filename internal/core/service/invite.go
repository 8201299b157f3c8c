package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// DefaultInviteTTL is how long an invitation stays answerable.
const DefaultInviteTTL = 60 * time.Second

// Invite is a pending invitation. Party state is untouched until the
// target accepts; until then only the registry knows about it.
type Invite struct {
	ID            uint32
	PartyID       domain.PartyID
	PartyName     string
	RequesterChar domain.CharID
	RequesterName string
	TargetAccount domain.AccountID
	TargetChar    domain.CharID
	CreatedAt     time.Time
}

// InviteRegistry tracks pending invitations and expires them after a TTL.
// At most one pending invite exists per (party, target) pair.
type InviteRegistry struct {
	ttl    time.Duration
	logger *slog.Logger

	// onExpire, when set, runs after an invite times out. Called without
	// the registry lock held.
	onExpire func(Invite)

	mu      sync.Mutex
	nextID  uint32
	byID    map[uint32]*pendingInvite
	byPair  map[pairKey]uint32
	afterFn func(time.Duration, func()) *time.Timer // test hook
}

type pairKey struct {
	party  domain.PartyID
	target domain.CharID
}

type pendingInvite struct {
	Invite
	timer *time.Timer
}

// NewInviteRegistry creates an empty registry. onExpire may be nil.
func NewInviteRegistry(ttl time.Duration, logger *slog.Logger, onExpire func(Invite)) *InviteRegistry {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteRegistry{
		ttl:      ttl,
		logger:   logger,
		onExpire: onExpire,
		nextID:   1,
		byID:     make(map[uint32]*pendingInvite),
		byPair:   make(map[pairKey]uint32),
		afterFn:  time.AfterFunc,
	}
}

// Add registers a pending invitation and arms its expiry timer.
func (r *InviteRegistry) Add(partyID domain.PartyID, partyName string, requesterChar domain.CharID, requesterName string, targetAccount domain.AccountID, targetChar domain.CharID) (Invite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{party: partyID, target: targetChar}
	if _, dup := r.byPair[key]; dup {
		return Invite{}, domain.ErrAlreadyInvited
	}

	id := r.nextID
	r.nextID++

	inv := &pendingInvite{Invite: Invite{
		ID:            id,
		PartyID:       partyID,
		PartyName:     partyName,
		RequesterChar: requesterChar,
		RequesterName: requesterName,
		TargetAccount: targetAccount,
		TargetChar:    targetChar,
		CreatedAt:     time.Now(),
	}}
	inv.timer = r.afterFn(r.ttl, func() { r.expire(id) })

	r.byID[id] = inv
	r.byPair[key] = id
	return inv.Invite, nil
}

// Take removes and returns the invitation, typically on answer. The expiry
// timer is disarmed.
func (r *InviteRegistry) Take(id uint32) (Invite, error) {
	r.mu.Lock()
	inv, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Invite{}, domain.ErrInviteNotFound
	}
	r.remove(inv)
	r.mu.Unlock()

	inv.timer.Stop()
	return inv.Invite, nil
}

// DropParty cancels every pending invitation for the party, for disbands.
func (r *InviteRegistry) DropParty(partyID domain.PartyID) {
	r.mu.Lock()
	var dropped []*pendingInvite
	for _, inv := range r.byID {
		if inv.PartyID == partyID {
			dropped = append(dropped, inv)
		}
	}
	for _, inv := range dropped {
		r.remove(inv)
	}
	r.mu.Unlock()

	for _, inv := range dropped {
		inv.timer.Stop()
	}
}

// Pending returns the number of pending invitations.
func (r *InviteRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// remove must be called with r.mu held.
func (r *InviteRegistry) remove(inv *pendingInvite) {
	delete(r.byID, inv.ID)
	delete(r.byPair, pairKey{party: inv.PartyID, target: inv.TargetChar})
}

func (r *InviteRegistry) expire(id uint32) {
	r.mu.Lock()
	inv, ok := r.byID[id]
	if ok {
		r.remove(inv)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Debug("invite expired",
		"invite_id", inv.ID, "party_id", inv.PartyID, "target_char", inv.TargetChar)
	if r.onExpire != nil {
		r.onExpire(inv.Invite)
	}
}
