package dirserver

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/core/service"
	"github.com/ravengrove/partymesh/internal/storage/memory"
	"github.com/ravengrove/partymesh/internal/wire"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	worlds := NewWorldTable(log, nil)
	booking := service.NewBookingRegistry(service.BookingConfig{Mode: domain.BookingModeJobs}, log)
	dir, err := service.NewDirectory(context.Background(), service.DirectoryConfig{}, memory.New(), worlds, worlds, log)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, dir, booking, worlds, nil, log)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

// testWorld is a scripted world-process client.
type testWorld struct {
	t       *testing.T
	sess    *wire.Session
	worldID string
}

func dialWorld(t *testing.T, srv *Server, worldID string) *testWorld {
	t.Helper()

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.SetDeadline(time.Now().Add(10 * time.Second))
	w := &testWorld{t: t, sess: wire.NewSession(c)}
	t.Cleanup(func() { w.sess.Close() })

	hello := wire.Hello{WorldID: worldID}
	if err := w.sess.Send(wire.KindHello, hello.Encode()); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	msg := w.recv()
	if msg.Kind != wire.KindHelloAck {
		t.Fatalf("handshake reply kind %v", msg.Kind)
	}
	var ack wire.HelloAck
	if err := ack.Decode(msg.Payload); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	w.worldID = ack.WorldID
	return w
}

func (w *testWorld) recv() wire.Msg {
	w.t.Helper()
	msg, err := w.sess.Receive()
	if err != nil {
		w.t.Fatalf("receive: %v", err)
	}
	return msg
}

// recvUntil skips frames until one of the wanted kind arrives, returning
// the skipped kinds for ordering assertions.
func (w *testWorld) recvUntil(kind wire.Kind) (wire.Msg, []wire.Kind) {
	w.t.Helper()
	var skipped []wire.Kind
	for i := 0; i < 16; i++ {
		msg := w.recv()
		if msg.Kind == kind {
			return msg, skipped
		}
		skipped = append(skipped, msg.Kind)
	}
	w.t.Fatalf("no %v frame after 16 messages (skipped %v)", kind, skipped)
	return wire.Msg{}, nil
}

func (w *testWorld) createParty(seq uint32, name string, leader domain.MemberRef) wire.CreateReply {
	w.t.Helper()
	req := wire.CreateRequest{Seq: seq, Name: name, Requester: leader}
	if err := w.sess.Send(wire.KindCreateRequest, req.Encode()); err != nil {
		w.t.Fatalf("send create: %v", err)
	}
	msg, _ := w.recvUntil(wire.KindCreateReply)
	var reply wire.CreateReply
	if err := reply.Decode(msg.Payload); err != nil {
		w.t.Fatalf("decode create reply: %v", err)
	}
	return reply
}

func member(account domain.AccountID, char domain.CharID, name string, level uint16) domain.MemberRef {
	return domain.MemberRef{AccountID: account, CharID: char, Name: name, Level: level, Online: true}
}

func TestHandshakeAssignsWorldID(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())

	w := dialWorld(t, srv, "")
	if !strings.HasPrefix(w.worldID, domain.WorldIDPrefix) {
		t.Fatalf("assigned world id %q lacks prefix", w.worldID)
	}

	named := dialWorld(t, srv, "pmwd-alpha")
	if named.worldID != "pmwd-alpha" {
		t.Fatalf("world id %q, want pmwd-alpha", named.worldID)
	}
}

func TestCreatePartySnapshotBeforeReply(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	w := dialWorld(t, srv, "pmwd-a")

	req := wire.CreateRequest{Seq: 1, Name: "vanguards", Requester: member(1, 10, "alice", 50)}
	if err := w.sess.Send(wire.KindCreateRequest, req.Encode()); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Fan-out precedes the reply: the snapshot must arrive first.
	first := w.recv()
	if first.Kind != wire.KindFullSnapshot {
		t.Fatalf("first frame %v, want FullSnapshot", first.Kind)
	}
	second := w.recv()
	if second.Kind != wire.KindCreateReply {
		t.Fatalf("second frame %v, want CreateReply", second.Kind)
	}

	var reply wire.CreateReply
	if err := reply.Decode(second.Payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Result != wire.ResultOK || reply.PartyID == 0 {
		t.Fatalf("reply %+v", reply)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	w := dialWorld(t, srv, "pmwd-a")

	if r := w.createParty(1, "taken", member(1, 10, "alice", 50)); r.Result != wire.ResultOK {
		t.Fatalf("first create: %v", r.Result)
	}
	if r := w.createParty(2, "taken", member(2, 20, "bob", 50)); r.Result != wire.ResultDuplicateName {
		t.Fatalf("duplicate create result %v", r.Result)
	}
}

func TestCrossWorldInviteFlow(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	wa := dialWorld(t, srv, "pmwd-a")
	wb := dialWorld(t, srv, "pmwd-b")

	reply := wa.createParty(1, "crossers", member(1, 10, "alice", 50))
	if reply.Result != wire.ResultOK {
		t.Fatalf("create: %v", reply.Result)
	}

	// Pin bob to world B through booking traffic.
	reg := wire.BookingRegister{Seq: 2, Char: 20, CharName: "bob", Level: 50}
	if err := wb.sess.Send(wire.KindBookingRegister, reg.Encode()); err != nil {
		t.Fatalf("send register: %v", err)
	}
	wb.recvUntil(wire.KindBookingReply)

	// Alice invites bob.
	invReq := wire.InviteRequest{Seq: 3, RequesterChar: 10, TargetAccount: 2, TargetChar: 20}
	if err := wa.sess.Send(wire.KindInviteRequest, invReq.Encode()); err != nil {
		t.Fatalf("send invite: %v", err)
	}
	opMsg, _ := wa.recvUntil(wire.KindOpReply)
	var op wire.OpReply
	if err := op.Decode(opMsg.Payload); err != nil {
		t.Fatalf("decode op reply: %v", err)
	}
	if op.Result != wire.ResultOK || op.PartyID != reply.PartyID {
		t.Fatalf("invite reply %+v", op)
	}

	// Bob's world receives the pending invite.
	invMsg, _ := wb.recvUntil(wire.KindInviteCreated)
	var created wire.InviteCreated
	if err := created.Decode(invMsg.Payload); err != nil {
		t.Fatalf("decode invite: %v", err)
	}
	if created.TargetChar != 20 || created.PartyID != reply.PartyID {
		t.Fatalf("invite created %+v", created)
	}

	// Bob accepts.
	ans := wire.InviteAnswer{Seq: 4, InviteID: created.InviteID, Accept: true, Target: member(2, 20, "bob", 50)}
	if err := wb.sess.Send(wire.KindInviteAnswer, ans.Encode()); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	ansMsg, skipped := wb.recvUntil(wire.KindOpReply)
	var ansOp wire.OpReply
	if err := ansOp.Decode(ansMsg.Payload); err != nil {
		t.Fatalf("decode answer reply: %v", err)
	}
	if ansOp.Result != wire.ResultOK {
		t.Fatalf("answer reply %+v", ansOp)
	}
	// Bob's world was not a subscriber; it gets the snapshot before the reply.
	found := false
	for _, k := range skipped {
		if k == wire.KindFullSnapshot {
			found = true
		}
	}
	if !found {
		t.Fatalf("joining world got no snapshot (skipped %v)", skipped)
	}

	// Alice's world sees the incremental join.
	joinMsg, _ := wa.recvUntil(wire.KindMemberJoined)
	var joined wire.MemberJoined
	if err := joined.Decode(joinMsg.Payload); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	if joined.Member.CharID != 20 {
		t.Fatalf("joined member %+v", joined.Member)
	}
}

func TestInviteUnreachableTarget(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	w := dialWorld(t, srv, "pmwd-a")

	if r := w.createParty(1, "loners", member(1, 10, "alice", 50)); r.Result != wire.ResultOK {
		t.Fatalf("create: %v", r.Result)
	}

	invReq := wire.InviteRequest{Seq: 2, RequesterChar: 10, TargetAccount: 9, TargetChar: 90}
	if err := w.sess.Send(wire.KindInviteRequest, invReq.Encode()); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, _ := w.recvUntil(wire.KindOpReply)
	var op wire.OpReply
	if err := op.Decode(msg.Payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.Result != wire.ResultTargetUnreachable {
		t.Fatalf("result %v, want ResultTargetUnreachable", op.Result)
	}
}

func TestLeaveDisbandNotify(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	w := dialWorld(t, srv, "pmwd-a")

	r := w.createParty(1, "brief", member(1, 10, "alice", 50))
	leave := wire.LeaveRequest{Seq: 2, Char: 10}
	if err := w.sess.Send(wire.KindLeaveRequest, leave.Encode()); err != nil {
		t.Fatalf("send leave: %v", err)
	}

	msg, skipped := w.recvUntil(wire.KindOpReply)
	var op wire.OpReply
	if err := op.Decode(msg.Payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.Result != wire.ResultOK {
		t.Fatalf("leave result %v", op.Result)
	}
	found := false
	for _, k := range skipped {
		if k == wire.KindPartyDisbanded {
			found = true
		}
	}
	if !found {
		t.Fatalf("no disband notify before reply (skipped %v), party %d", skipped, r.PartyID)
	}
}

func TestBookingSearchRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchRatePerSec = 1 // burst 2
	srv := newTestServer(t, cfg)
	w := dialWorld(t, srv, "pmwd-a")

	var last wire.BookingSearchReply
	for seq := uint32(1); seq <= 3; seq++ {
		req := wire.BookingSearch{Seq: seq, MaxResults: 10}
		if err := w.sess.Send(wire.KindBookingSearch, req.Encode()); err != nil {
			t.Fatalf("send search: %v", err)
		}
		msg, _ := w.recvUntil(wire.KindBookingSearchReply)
		if err := last.Decode(msg.Payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if last.Result != wire.ResultRateLimited {
		t.Fatalf("third search result %v, want ResultRateLimited", last.Result)
	}
}

func TestPositionRelayAcrossWorlds(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	wa := dialWorld(t, srv, "pmwd-a")
	wb := dialWorld(t, srv, "pmwd-b")

	r := wa.createParty(1, "movers", member(1, 10, "alice", 50))
	if r.Result != wire.ResultOK {
		t.Fatalf("create: %v", r.Result)
	}

	// Bob joins from world B.
	reg := wire.BookingRegister{Seq: 2, Char: 20, CharName: "bob", Level: 50}
	wb.sess.Send(wire.KindBookingRegister, reg.Encode())
	wb.recvUntil(wire.KindBookingReply)
	inv := wire.InviteRequest{Seq: 3, RequesterChar: 10, TargetAccount: 2, TargetChar: 20}
	wa.sess.Send(wire.KindInviteRequest, inv.Encode())
	wa.recvUntil(wire.KindOpReply)
	invMsg, _ := wb.recvUntil(wire.KindInviteCreated)
	var created wire.InviteCreated
	created.Decode(invMsg.Payload)
	ans := wire.InviteAnswer{Seq: 4, InviteID: created.InviteID, Accept: true, Target: member(2, 20, "bob", 50)}
	wb.sess.Send(wire.KindInviteAnswer, ans.Encode())
	wb.recvUntil(wire.KindOpReply)
	wa.recvUntil(wire.KindMemberJoined)

	// World B reports bob's movement; world A gets the broadcast.
	upd := wire.PositionUpdate{Entries: []wire.PositionEntry{
		{Char: 20, MapID: 3, X: 100, Y: 200, HPRatio: 90, Online: true},
	}}
	if err := wb.sess.Send(wire.KindPositionUpdate, upd.Encode()); err != nil {
		t.Fatalf("send positions: %v", err)
	}

	msg, _ := wa.recvUntil(wire.KindPositionBroadcast)
	var bc wire.PositionBroadcast
	if err := bc.Decode(msg.Payload); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if bc.PartyID != r.PartyID || len(bc.Entries) != 1 || bc.Entries[0].MapID != 3 {
		t.Fatalf("broadcast %+v", bc)
	}
}
