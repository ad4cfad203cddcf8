package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/signaling"
)

const cancelTimeout = 5 * time.Second

// Invite announces an outbound session and sends the INVITE in the
// background once candidate gathering finishes or is forced. Progress is
// reported through the sink.
func (t *Transport) Invite(ctx context.Context, target string, opts signaling.InviteOptions) (signaling.Session, error) {
	if t.client == nil || t.stopped.Load() {
		return nil, errors.New("sip transport is not running")
	}
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("parsing target %q: %w", target, err)
	}

	pc, err := media.NewPeerConnection(t.cfg.ICE, opts.Video)
	if err != nil {
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}

	s := newSession(t, uuid.NewString(), signaling.Outbound, remoteIdentity("", recipient))
	s.video = opts.Video
	s.localTag = sip.GenerateTagN(16)
	s.attachPeer(pc)

	runCtx, cancel := context.WithCancel(t.ctx)
	s.abort = cancel
	t.track(s)

	s.logger.Info("placing call", "target", target, "video", opts.Video)
	s.emit(signaling.Event{Kind: signaling.EventNewSession})

	// Gathering starts here, after the session is announced, so candidate
	// events always follow it.
	if err := pc.SetLocalDescription(offer); err != nil {
		cancel()
		s.end(signaling.CauseMediaError)
		return nil, fmt.Errorf("applying local offer: %w", err)
	}

	go s.originate(runCtx, recipient, opts, pc)
	return s, nil
}

func (s *Session) originate(ctx context.Context, recipient sip.Uri, opts signaling.InviteOptions, pc *webrtc.PeerConnection) {
	defer s.abort()

	sdp, err := s.awaitICE(ctx, pc)
	if err != nil {
		if ctx.Err() == nil {
			s.end(signaling.CauseMediaError)
		}
		return
	}

	req, err := s.buildInvite(recipient, opts, sdp)
	if err != nil {
		s.logger.Error("building invite", "error", err)
		s.end(signaling.CauseRejected)
		return
	}
	s.mu.Lock()
	s.invite = req
	s.mu.Unlock()

	tx, err := s.t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		s.logger.Error("sending invite", "error", err)
		s.end(signaling.CauseConnectionError)
		return
	}

	authTried := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			s.cancelInvite(req, tx)
			return
		case <-tx.Done():
			tx.Terminate()
			s.logger.Warn("invite transaction ended without final response", "error", tx.Err())
			s.end(signaling.CauseRequestTimeout)
			return
		case res = <-tx.Responses():
		}

		s.logger.Debug("invite response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			s.emit(signaling.Event{Kind: signaling.EventProgress})

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authTried:
			authTried = true
			tx.Terminate()
			authReq, err := s.t.authorize(req, res)
			if err != nil {
				s.logger.Error("answering invite challenge", "error", err)
				s.end(signaling.CauseAuthenticationError)
				return
			}
			req = authReq
			s.mu.Lock()
			s.invite = req
			s.mu.Unlock()
			tx, err = s.t.client.TransactionRequest(ctx, req,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				s.logger.Error("sending authenticated invite", "error", err)
				s.end(signaling.CauseConnectionError)
				return
			}

		case res.StatusCode < 300:
			tx.Terminate()
			s.accepted(req, res)
			return

		default:
			tx.Terminate()
			cause := statusCause(res.StatusCode)
			s.logger.Info("call rejected", "status", res.StatusCode, "reason", res.Reason, "cause", cause)
			s.end(cause)
			return
		}
	}
}

func (s *Session) buildInvite(recipient sip.Uri, opts signaling.InviteOptions, sdp string) (*sip.Request, error) {
	local, err := s.t.uri(s.t.user.Extension)
	if err != nil {
		return nil, err
	}
	display := opts.DisplayName
	if display == "" {
		display = s.t.user.Name()
	}

	req := s.t.newRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", s.localTag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: display,
		Address:     local,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: recipient,
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(s.id)
	req.AppendHeader(&callID)
	req.AppendHeader(sip.NewHeader("Contact", s.t.contactValue()))
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(sdp))
	return req, nil
}

// accepted completes an answered INVITE: ACK, remote description, events.
func (s *Session) accepted(req *sip.Request, res *sip.Response) {
	s.mu.Lock()
	if s.state == stateEnded {
		s.mu.Unlock()
		s.hangupLate(req, res)
		return
	}
	s.state = stateEstablished
	s.response = res
	if cseq := req.CSeq(); cseq != nil {
		s.seq = cseq.SeqNo
	}
	s.video = s.video && media.SDPHasVideo(string(res.Body()))
	pc := s.pc
	s.mu.Unlock()

	if err := s.sendACK(req, res); err != nil {
		s.logger.Error("sending ack", "error", err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(res.Body())}
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.logger.Error("applying remote answer", "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := s.Terminate(ctx); err != nil {
			s.logger.Warn("ending call after bad answer", "error", err)
		}
		s.emit(signaling.Event{Kind: signaling.EventFailed, Cause: signaling.CauseMediaError})
		return
	}

	s.logger.Info("call accepted")
	s.emit(signaling.Event{Kind: signaling.EventAccepted})
	s.emit(signaling.Event{Kind: signaling.EventConfirmed})
}

func (s *Session) sendACK(req *sip.Request, res *sip.Response) error {
	ack := buildACKFor2xx(req, res)
	ack.SetDestination(s.t.ep.Addr())
	return s.t.client.WriteRequest(ack)
}

// cancelInvite sends CANCEL for a pending INVITE and waits for its final
// response. An answer that crossed the CANCEL is hung up.
func (s *Session) cancelInvite(req *sip.Request, tx sip.ClientTransaction) {
	defer tx.Terminate()
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if _, err := s.t.roundTrip(ctx, sip.NewCancelRequest(req)); err != nil {
		s.logger.Warn("sending cancel", "error", err)
	}
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return
		}
		switch {
		case res.StatusCode < 200:
			continue
		case res.StatusCode < 300:
			s.hangupLate(req, res)
		}
		return
	}
}

// hangupLate acknowledges and immediately ends a call answered after it
// was terminated locally.
func (s *Session) hangupLate(req *sip.Request, res *sip.Response) {
	s.logger.Info("ending call answered after termination")
	if err := s.sendACK(req, res); err != nil {
		s.logger.Warn("sending ack", "error", err)
	}
	var seq uint32 = 1
	if cseq := req.CSeq(); cseq != nil {
		seq = cseq.SeqNo + 1
	}
	bye := buildBYE(dialogState{
		uac:      true,
		invite:   req,
		response: res,
		contact:  s.t.contactValue(),
		seq:      seq,
	})
	bye.SetTransport(req.Transport())
	bye.SetDestination(s.t.ep.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if _, err := s.t.roundTrip(ctx, bye, sipgo.ClientRequestBuild); err != nil {
		s.logger.Warn("sending bye", "error", err)
	}
}
