package worldcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/wire"
)

// Client defaults.
const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultHelloTimeout     = 10 * time.Second
	DefaultPositionInterval = time.Second
)

// ErrClientClosed is returned by requests after Close.
var ErrClientClosed = errors.New("worldcache: client closed")

// ClientConfig configures the directory connection of a world process.
type ClientConfig struct {
	// Addr is the directory listen address.
	Addr string

	// WorldID is this process's identity. Empty asks the directory to
	// assign one during the handshake.
	WorldID string

	DialTimeout      time.Duration
	HelloTimeout     time.Duration
	PositionInterval time.Duration
}

// Client runs the directory side of a world process: it owns the session,
// correlates replies by sequence number, feeds notifies into the cache, and
// flushes position batches on a ticker.
type Client struct {
	cfg    ClientConfig
	cache  *Cache
	logger *slog.Logger

	// OnInvite is invoked for each pending invite delivered to this world,
	// from the read loop. It must not block.
	OnInvite func(wire.InviteCreated)

	sess *wire.Session
	mode domain.BookingMode

	seq atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan wire.Msg

	wg     sync.WaitGroup
	stopCh chan struct{}
	closed atomic.Bool
}

// NewClient creates a client over the given cache.
func NewClient(cfg ClientConfig, cache *Cache, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = DefaultPositionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		pending: make(map[uint32]chan wire.Msg),
		stopCh:  make(chan struct{}),
	}
	cache.OnMissing = c.RequestInfo
	return c
}

// Connect dials the directory, performs the hello handshake, and starts the
// read and position loops.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial directory: %w", err)
	}

	sess := wire.NewSession(conn)
	hello := wire.Hello{WorldID: c.cfg.WorldID}
	if err := sess.Send(wire.KindHello, hello.Encode()); err != nil {
		sess.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HelloTimeout))
	msg, err := sess.Receive()
	if err != nil {
		sess.Close()
		return fmt.Errorf("read hello ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if msg.Kind != wire.KindHelloAck {
		sess.Close()
		return fmt.Errorf("%w: unexpected handshake kind %s", wire.ErrProtocol, msg.Kind)
	}
	var ack wire.HelloAck
	if err := ack.Decode(msg.Payload); err != nil {
		sess.Close()
		return fmt.Errorf("decode hello ack: %w", err)
	}

	c.sess = sess
	c.mode = ack.Mode
	c.cache.SetWorldID(ack.WorldID)
	c.logger.Info("connected to directory",
		"addr", c.cfg.Addr, "world_id", ack.WorldID, "booking_mode", ack.Mode.String())

	c.wg.Add(2)
	go c.readLoop()
	go c.positionLoop()
	return nil
}

// WorldID returns the identity assigned during the handshake.
func (c *Client) WorldID() string { return c.cache.WorldID() }

// BookingMode returns the mode negotiated during the handshake.
func (c *Client) BookingMode() domain.BookingMode { return c.mode }

// Cache returns the mirror this client feeds.
func (c *Client) Cache() *Cache { return c.cache }

// Close stops the loops and releases the session. Pending requests fail.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	var err error
	if c.sess != nil {
		err = c.sess.Close()
	}
	c.wg.Wait()
	c.failPending()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.logger.Error("directory connection lost", "error", err)
			}
			c.failPending()
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg wire.Msg) {
	switch msg.Kind {
	case wire.KindCreateReply, wire.KindOpReply, wire.KindBookingReply, wire.KindBookingSearchReply:
		// Every reply leads with its sequence number.
		if len(msg.Payload) < 4 {
			c.logger.Warn("short reply", "kind", msg.Kind.String())
			return
		}
		c.deliver(binary.BigEndian.Uint32(msg.Payload[:4]), msg)

	case wire.KindFullSnapshot:
		var m wire.FullSnapshot
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplySnapshot(&m.Party)
		}
	case wire.KindMemberJoined:
		var m wire.MemberJoined
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyMemberJoined(&m)
		}
	case wire.KindMemberLeft, wire.KindMemberRemoved:
		var m wire.MemberLeft
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyMemberLeft(&m)
		}
	case wire.KindLeaderChanged:
		var m wire.LeaderChanged
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyLeaderChanged(&m)
		}
	case wire.KindOptionChanged:
		var m wire.OptionChanged
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyOptionChanged(&m)
		}
	case wire.KindPartyDisbanded:
		var m wire.PartyDisbanded
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyDisbanded(&m)
		}
	case wire.KindPositionBroadcast:
		var m wire.PositionBroadcast
		if err := m.Decode(msg.Payload); err == nil {
			c.cache.ApplyPositions(m.PartyID, m.Entries)
		}
	case wire.KindInviteCreated:
		var m wire.InviteCreated
		if err := m.Decode(msg.Payload); err == nil && c.OnInvite != nil {
			c.OnInvite(m)
		}
	default:
		c.logger.Warn("unexpected message", "kind", msg.Kind.String())
	}
}

func (c *Client) positionLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PositionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			batch := c.cache.CollectDirty()
			if len(batch) == 0 {
				continue
			}
			m := wire.PositionUpdate{Entries: batch}
			if err := c.sess.Send(wire.KindPositionUpdate, m.Encode()); err != nil {
				c.logger.Warn("position batch failed", "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) nextSeq() uint32 {
	for {
		if s := c.seq.Add(1); s != 0 {
			return s
		}
	}
}

func (c *Client) deliver(seq uint32, msg wire.Msg) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

// roundTrip sends one request and blocks until its reply, ctx expiry, or
// connection loss.
func (c *Client) roundTrip(ctx context.Context, kind wire.Kind, seq uint32, payload []byte) (wire.Msg, error) {
	if c.closed.Load() {
		return wire.Msg{}, ErrClientClosed
	}

	ch := make(chan wire.Msg, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.sess.Send(kind, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return wire.Msg{}, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return wire.Msg{}, ErrClientClosed
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return wire.Msg{}, ctx.Err()
	case <-c.stopCh:
		return wire.Msg{}, ErrClientClosed
	}
}

// opRoundTrip performs a request whose reply is an OpReply.
func (c *Client) opRoundTrip(ctx context.Context, kind wire.Kind, seq uint32, payload []byte) error {
	msg, err := c.roundTrip(ctx, kind, seq, payload)
	if err != nil {
		return err
	}
	var reply wire.OpReply
	if err := reply.Decode(msg.Payload); err != nil {
		return err
	}
	return reply.Result.Err()
}

// CreateParty asks the directory to create a party led by the requester. The
// mirror fills in when the snapshot arrives.
func (c *Client) CreateParty(ctx context.Context, name string, requester domain.MemberRef, expShare, itemShare bool) (domain.PartyID, error) {
	seq := c.nextSeq()
	req := wire.CreateRequest{Seq: seq, Name: name, ExpShare: expShare, ItemShare: itemShare, Requester: requester}
	msg, err := c.roundTrip(ctx, wire.KindCreateRequest, seq, req.Encode())
	if err != nil {
		return 0, err
	}
	var reply wire.CreateReply
	if err := reply.Decode(msg.Payload); err != nil {
		return 0, err
	}
	return reply.PartyID, reply.Result.Err()
}

// Invite asks the directory to deliver an invite to the target's world.
func (c *Client) Invite(ctx context.Context, requester, targetChar domain.CharID, targetAccount domain.AccountID) error {
	seq := c.nextSeq()
	req := wire.InviteRequest{Seq: seq, RequesterChar: requester, TargetAccount: targetAccount, TargetChar: targetChar}
	return c.opRoundTrip(ctx, wire.KindInviteRequest, seq, req.Encode())
}

// AnswerInvite accepts or declines a delivered invite on behalf of target.
func (c *Client) AnswerInvite(ctx context.Context, inviteID uint32, accept bool, target domain.MemberRef) error {
	seq := c.nextSeq()
	req := wire.InviteAnswer{Seq: seq, InviteID: inviteID, Accept: accept, Target: target}
	return c.opRoundTrip(ctx, wire.KindInviteAnswer, seq, req.Encode())
}

// Leave withdraws the character from its party.
func (c *Client) Leave(ctx context.Context, char domain.CharID) error {
	seq := c.nextSeq()
	req := wire.LeaveRequest{Seq: seq, Char: char}
	return c.opRoundTrip(ctx, wire.KindLeaveRequest, seq, req.Encode())
}

// Remove expels target from the requester's party.
func (c *Client) Remove(ctx context.Context, requester, target domain.CharID) error {
	seq := c.nextSeq()
	req := wire.RemoveRequest{Seq: seq, RequesterChar: requester, TargetChar: target}
	return c.opRoundTrip(ctx, wire.KindRemoveRequest, seq, req.Encode())
}

// ChangeLeader transfers leadership to target.
func (c *Client) ChangeLeader(ctx context.Context, requester, target domain.CharID) error {
	seq := c.nextSeq()
	req := wire.LeaderRequest{Seq: seq, RequesterChar: requester, TargetChar: target}
	return c.opRoundTrip(ctx, wire.KindLeaderRequest, seq, req.Encode())
}

// ChangeOption sets the party's sharing policies.
func (c *Client) ChangeOption(ctx context.Context, requester domain.CharID, expShare, itemShare bool) error {
	seq := c.nextSeq()
	req := wire.OptionRequest{Seq: seq, RequesterChar: requester, ExpShare: expShare, ItemShare: itemShare}
	return c.opRoundTrip(ctx, wire.KindOptionRequest, seq, req.Encode())
}

// RequestInfo asks for a FullSnapshot. Fire and forget: the snapshot lands
// through the read loop.
func (c *Client) RequestInfo(pid domain.PartyID, char domain.CharID) {
	if c.closed.Load() || c.sess == nil {
		return
	}
	req := wire.InfoRequest{Seq: c.nextSeq(), PartyID: pid, Char: char}
	if err := c.sess.Send(wire.KindInfoRequest, req.Encode()); err != nil {
		c.logger.Warn("info request failed", "party_id", pid, "error", err)
	}
}

// BookingRegister posts or replaces the character's advertisement, returning
// its pagination index.
func (c *Client) BookingRegister(ctx context.Context, char domain.CharID, charName string, level uint16, criteria domain.BookingCriteria) (uint64, error) {
	seq := c.nextSeq()
	req := wire.BookingRegister{Seq: seq, Char: char, CharName: charName, Level: level, Criteria: criteria}
	msg, err := c.roundTrip(ctx, wire.KindBookingRegister, seq, req.Encode())
	if err != nil {
		return 0, err
	}
	var reply wire.BookingReply
	if err := reply.Decode(msg.Payload); err != nil {
		return 0, err
	}
	return reply.Index, reply.Result.Err()
}

// BookingUpdate replaces the criteria of an existing advertisement.
func (c *Client) BookingUpdate(ctx context.Context, char domain.CharID, criteria domain.BookingCriteria) error {
	seq := c.nextSeq()
	req := wire.BookingUpdate{Seq: seq, Char: char, Criteria: criteria}
	msg, err := c.roundTrip(ctx, wire.KindBookingUpdate, seq, req.Encode())
	if err != nil {
		return err
	}
	var reply wire.BookingReply
	if err := reply.Decode(msg.Payload); err != nil {
		return err
	}
	return reply.Result.Err()
}

// BookingSearch returns one page of matching advertisements strictly after
// afterIndex.
func (c *Client) BookingSearch(ctx context.Context, level uint16, criteria domain.BookingCriteria, afterIndex uint64, maxResults uint8) ([]domain.BookingAd, error) {
	seq := c.nextSeq()
	req := wire.BookingSearch{Seq: seq, Level: level, Criteria: criteria, AfterIndex: afterIndex, MaxResults: maxResults}
	msg, err := c.roundTrip(ctx, wire.KindBookingSearch, seq, req.Encode())
	if err != nil {
		return nil, err
	}
	var reply wire.BookingSearchReply
	if err := reply.Decode(msg.Payload); err != nil {
		return nil, err
	}
	return reply.Ads, reply.Result.Err()
}

// BookingDelete cancels the character's advertisement. Idempotent.
func (c *Client) BookingDelete(ctx context.Context, char domain.CharID) error {
	seq := c.nextSeq()
	req := wire.BookingDelete{Seq: seq, Char: char}
	msg, err := c.roundTrip(ctx, wire.KindBookingDelete, seq, req.Encode())
	if err != nil {
		return err
	}
	var reply wire.BookingReply
	if err := reply.Decode(msg.Payload); err != nil {
		return err
	}
	return reply.Result.Err()
}
