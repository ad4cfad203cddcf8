package sip

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v4"

	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/signaling"
)

// handleInvite announces an inbound call and holds the INVITE transaction
// open until the call is answered, rejected or canceled.
func (t *Transport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if callID == "" {
		t.respondError(req, tx, 400, "Missing Call-ID")
		return
	}
	if existing := t.lookup(callID); existing != nil {
		// Mid-dialog offers are not supported; the existing media stays.
		t.logger.Warn("re-INVITE not supported", "session", callID)
		t.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	remote := ""
	if from := req.From(); from != nil {
		remote = remoteIdentity(from.DisplayName, from.Address)
	}
	s := newSession(t, callID, signaling.Inbound, remote)
	s.invite, s.inviteTx = req, tx
	s.localTag = sip.GenerateTagN(16)
	s.video = media.SDPHasVideo(string(req.Body()))
	t.track(s)

	s.logger.Info("incoming call", "remote", remote, "video", s.video)
	if err := s.respond(180, "Ringing", nil); err != nil {
		s.logger.Error("failed to send 180 Ringing", "error", err)
	}
	s.emit(signaling.Event{Kind: signaling.EventNewSession})

	select {
	case <-s.decided:
	case <-tx.Done():
		s.end(signaling.CauseCanceled)
	case <-t.ctx.Done():
	}
}

// Answer builds the local answer for the remote offer, waits for candidate
// gathering and sends 200 OK.
func (s *Session) Answer(ctx context.Context, opts signaling.AnswerOptions) error {
	if s.direction != signaling.Inbound {
		return fmt.Errorf("answering %s session", s.direction)
	}
	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.state = stateAnswering
	s.mu.Unlock()

	pc, err := media.NewPeerConnection(s.t.cfg.ICE, opts.Video)
	if err != nil {
		return err
	}
	s.attachPeer(pc)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(s.invite.Body())}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("applying remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("applying local answer: %w", err)
	}
	sdp, err := s.awaitICE(ctx, pc)
	if err != nil {
		return fmt.Errorf("gathering candidates: %w", err)
	}

	s.mu.Lock()
	if s.state != stateAnswering {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.state = stateEstablished
	s.video = opts.Video && s.video
	s.mu.Unlock()

	res := s.buildResponse(200, "OK", []byte(sdp))
	s.mu.Lock()
	s.response = res
	s.mu.Unlock()
	if err := s.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 OK: %w", err)
	}
	s.decidedOnce.Do(func() { close(s.decided) })

	s.logger.Info("call answered", "video", opts.Video)
	s.emit(signaling.Event{Kind: signaling.EventAccepted})
	return nil
}

func (s *Session) buildResponse(status int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(s.invite, status, reason, body)
	if to := s.invite.To(); to != nil && status > 100 {
		params := to.Params.Clone()
		params.Add("tag", s.localTag)
		res.RemoveHeader("To")
		res.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      params,
		})
	}
	if status >= 200 && status < 300 {
		res.AppendHeader(sip.NewHeader("Contact", s.t.contactValue()))
		if len(body) > 0 {
			res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
	}
	return res
}

func (s *Session) respond(status int, reason string, body []byte) error {
	return s.inviteTx.Respond(s.buildResponse(status, reason, body))
}

// handleAck confirms an answered inbound call.
func (t *Transport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s := t.lookup(req.CallID().Value())
	if s == nil || s.direction != signaling.Inbound {
		return
	}
	s.mu.Lock()
	confirm := s.state == stateEstablished && !s.confirmed
	s.confirmed = true
	s.mu.Unlock()
	if confirm {
		s.emit(signaling.Event{Kind: signaling.EventConfirmed})
	}
}

// handleBye ends a call at the remote party's request.
func (t *Transport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s := t.lookup(req.CallID().Value())
	if s == nil {
		t.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		t.logger.Error("failed to respond to BYE", "error", err)
	}
	s.end(signaling.CauseBye)
}

// handleCancel stops an inbound call that has not been answered.
func (t *Transport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s := t.lookup(req.CallID().Value())
	if s == nil || s.direction != signaling.Inbound {
		t.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		t.logger.Error("failed to respond to CANCEL", "error", err)
	}

	s.mu.Lock()
	pending := s.state == statePending || s.state == stateAnswering
	s.mu.Unlock()
	if !pending {
		return
	}
	if err := s.respond(487, "Request Terminated", nil); err != nil {
		s.logger.Debug("failed to send 487", "error", err)
	}
	s.end(signaling.CauseCanceled)
}

func (t *Transport) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to send error response", "status", code, "error", err)
	}
}
