package dirserver

import (
	"context"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/core/service"
	"github.com/ravengrove/partymesh/internal/wire"
)

// dispatch handles one decoded frame. A returned error terminates the
// connection; per-request failures travel back inside typed replies.
func (s *Server) dispatch(conn *worldConn, msg wire.Msg) error {
	switch msg.Kind {
	case wire.KindCreateRequest:
		return s.handleCreate(conn, msg.Payload)
	case wire.KindInviteRequest:
		return s.handleInvite(conn, msg.Payload)
	case wire.KindInviteAnswer:
		return s.handleInviteAnswer(conn, msg.Payload)
	case wire.KindLeaveRequest:
		return s.handleLeave(conn, msg.Payload)
	case wire.KindRemoveRequest:
		return s.handleRemove(conn, msg.Payload)
	case wire.KindLeaderRequest:
		return s.handleLeader(conn, msg.Payload)
	case wire.KindOptionRequest:
		return s.handleOption(conn, msg.Payload)
	case wire.KindInfoRequest:
		return s.handleInfo(conn, msg.Payload)
	case wire.KindPositionUpdate:
		return s.handlePositions(conn, msg.Payload)
	case wire.KindBookingRegister:
		return s.handleBookingRegister(conn, msg.Payload)
	case wire.KindBookingUpdate:
		return s.handleBookingUpdate(conn, msg.Payload)
	case wire.KindBookingSearch:
		return s.handleBookingSearch(conn, msg.Payload)
	case wire.KindBookingDelete:
		return s.handleBookingDelete(conn, msg.Payload)
	default:
		return wire.ErrProtocol
	}
}

func (s *Server) countOp(op string, err error) {
	if s.metrics == nil {
		return
	}
	code := "ok"
	if err != nil {
		if code = domain.ErrorCode(err); code == "" {
			code = domain.ErrInternalServer.Code
		}
	}
	s.metrics.Operations.WithLabelValues(op, code).Inc()
}

func (s *Server) opReply(conn *worldConn, seq uint32, op wire.Kind, err error, pid domain.PartyID) error {
	reply := wire.OpReply{Seq: seq, Op: op, Result: wire.ResultOf(err), PartyID: pid}
	return conn.sess.Send(wire.KindOpReply, reply.Encode())
}

func (s *Server) handleCreate(conn *worldConn, payload []byte) error {
	var req wire.CreateRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	req.Requester.WorldID = conn.worldID
	s.worlds.ObserveChar(req.Requester.CharID, conn.worldID)

	p, err := s.directory.Create(context.Background(), &req.Requester, req.Name, req.ExpShare, req.ItemShare)
	s.countOp("create", err)
	if s.metrics != nil {
		s.metrics.PartiesLive.Set(float64(s.directory.PartyCount()))
	}

	reply := wire.CreateReply{Seq: req.Seq, Result: wire.ResultOf(err)}
	if p != nil {
		reply.PartyID = p.ID
	}
	return conn.sess.Send(wire.KindCreateReply, reply.Encode())
}

func (s *Server) handleInvite(conn *worldConn, payload []byte) error {
	var req wire.InviteRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	s.worlds.ObserveChar(req.RequesterChar, conn.worldID)

	inv, err := s.directory.Invite(context.Background(), req.RequesterChar, req.TargetAccount, req.TargetChar)
	s.countOp("invite", err)
	if s.metrics != nil {
		s.metrics.InvitesPending.Set(float64(s.directory.PendingInvites()))
	}
	return s.opReply(conn, req.Seq, wire.KindInviteRequest, err, inv.PartyID)
}

func (s *Server) handleInviteAnswer(conn *worldConn, payload []byte) error {
	var req wire.InviteAnswer
	if err := req.Decode(payload); err != nil {
		return err
	}
	req.Target.WorldID = conn.worldID
	s.worlds.ObserveChar(req.Target.CharID, conn.worldID)

	p, err := s.directory.AnswerInvite(context.Background(), req.InviteID, req.Accept, &req.Target)
	s.countOp("invite_answer", err)
	if s.metrics != nil {
		s.metrics.InvitesPending.Set(float64(s.directory.PendingInvites()))
	}

	var pid domain.PartyID
	if p != nil {
		pid = p.ID
	}
	return s.opReply(conn, req.Seq, wire.KindInviteAnswer, err, pid)
}

func (s *Server) handleLeave(conn *worldConn, payload []byte) error {
	var req wire.LeaveRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	pid, _ := s.directory.PartyOf(req.Char)
	err := s.directory.Leave(context.Background(), req.Char)
	s.countOp("leave", err)
	if s.metrics != nil {
		s.metrics.PartiesLive.Set(float64(s.directory.PartyCount()))
	}
	return s.opReply(conn, req.Seq, wire.KindLeaveRequest, err, pid)
}

func (s *Server) handleRemove(conn *worldConn, payload []byte) error {
	var req wire.RemoveRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	pid, _ := s.directory.PartyOf(req.RequesterChar)
	err := s.directory.Remove(context.Background(), req.RequesterChar, req.TargetChar)
	s.countOp("remove", err)
	if s.metrics != nil {
		s.metrics.PartiesLive.Set(float64(s.directory.PartyCount()))
	}
	return s.opReply(conn, req.Seq, wire.KindRemoveRequest, err, pid)
}

func (s *Server) handleLeader(conn *worldConn, payload []byte) error {
	var req wire.LeaderRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	pid, _ := s.directory.PartyOf(req.RequesterChar)
	err := s.directory.ChangeLeader(context.Background(), req.RequesterChar, req.TargetChar)
	s.countOp("leader", err)
	return s.opReply(conn, req.Seq, wire.KindLeaderRequest, err, pid)
}

func (s *Server) handleOption(conn *worldConn, payload []byte) error {
	var req wire.OptionRequest
	if err := req.Decode(payload); err != nil {
		return err
	}
	pid, _ := s.directory.PartyOf(req.RequesterChar)
	err := s.directory.ChangeOption(context.Background(), req.RequesterChar, req.ExpShare, req.ItemShare)
	s.countOp("option", err)
	return s.opReply(conn, req.Seq, wire.KindOptionRequest, err, pid)
}

func (s *Server) handleInfo(conn *worldConn, payload []byte) error {
	var req wire.InfoRequest
	if err := req.Decode(payload); err != nil {
		return err
	}

	p, err := s.directory.Snapshot(req.PartyID)
	s.countOp("info", err)
	if err != nil {
		return s.opReply(conn, req.Seq, wire.KindInfoRequest, err, req.PartyID)
	}
	snap := wire.FullSnapshot{Party: *p}
	return conn.sess.Send(wire.KindFullSnapshot, snap.Encode())
}

func (s *Server) handlePositions(conn *worldConn, payload []byte) error {
	var req wire.PositionUpdate
	if err := req.Decode(payload); err != nil {
		return err
	}

	samples := make([]service.PositionSample, len(req.Entries))
	for i, e := range req.Entries {
		samples[i] = service.PositionSample{
			Char: e.Char, MapID: e.MapID, X: e.X, Y: e.Y,
			HPRatio: e.HPRatio, Online: e.Online,
		}
		if e.Online {
			s.worlds.ObserveChar(e.Char, conn.worldID)
		} else {
			s.worlds.DropChar(e.Char)
		}
	}
	s.directory.UpdatePositions(conn.worldID, samples)
	return nil
}

func (s *Server) handleBookingRegister(conn *worldConn, payload []byte) error {
	var req wire.BookingRegister
	if err := req.Decode(payload); err != nil {
		return err
	}
	s.worlds.ObserveChar(req.Char, conn.worldID)

	ad, err := s.booking.Register(req.Char, req.CharName, req.Level, req.Criteria)
	s.countOp("booking_register", err)
	if s.metrics != nil {
		s.metrics.BookingAdsLive.Set(float64(s.booking.Count()))
	}

	reply := wire.BookingReply{Seq: req.Seq, Result: wire.ResultOf(err)}
	if ad != nil {
		reply.Index = ad.Index
	}
	return conn.sess.Send(wire.KindBookingReply, reply.Encode())
}

func (s *Server) handleBookingUpdate(conn *worldConn, payload []byte) error {
	var req wire.BookingUpdate
	if err := req.Decode(payload); err != nil {
		return err
	}

	ad, err := s.booking.Update(req.Char, req.Criteria)
	s.countOp("booking_update", err)

	reply := wire.BookingReply{Seq: req.Seq, Result: wire.ResultOf(err)}
	if ad != nil {
		reply.Index = ad.Index
	}
	return conn.sess.Send(wire.KindBookingReply, reply.Encode())
}

func (s *Server) handleBookingSearch(conn *worldConn, payload []byte) error {
	var req wire.BookingSearch
	if err := req.Decode(payload); err != nil {
		return err
	}

	if conn.searchLimiter != nil && !conn.searchLimiter.Allow() {
		reply := wire.BookingSearchReply{Seq: req.Seq, Result: wire.ResultRateLimited}
		return conn.sess.Send(wire.KindBookingSearchReply, reply.Encode())
	}

	ads := s.booking.Search(req.Level, req.Criteria, req.AfterIndex, int(req.MaxResults))
	if s.metrics != nil {
		s.metrics.BookingSearches.Inc()
	}

	reply := wire.BookingSearchReply{Seq: req.Seq, Result: wire.ResultOK, Ads: make([]domain.BookingAd, len(ads))}
	for i, ad := range ads {
		reply.Ads[i] = *ad
	}
	return conn.sess.Send(wire.KindBookingSearchReply, reply.Encode())
}

func (s *Server) handleBookingDelete(conn *worldConn, payload []byte) error {
	var req wire.BookingDelete
	if err := req.Decode(payload); err != nil {
		return err
	}

	s.booking.Delete(req.Char)
	s.countOp("booking_delete", nil)
	if s.metrics != nil {
		s.metrics.BookingAdsLive.Set(float64(s.booking.Count()))
	}

	reply := wire.BookingReply{Seq: req.Seq, Result: wire.ResultOK}
	return conn.sess.Send(wire.KindBookingReply, reply.Encode())
}
