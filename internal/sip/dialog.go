package sip

import (
	"github.com/emiago/sipgo/sip"
)

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. It is sent
// outside the INVITE transaction, to the Contact of the response.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// The response To carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

// dialogState is what a BYE needs to know about an established dialog.
type dialogState struct {
	// uac is true when this side sent the INVITE.
	uac      bool
	invite   *sip.Request
	response *sip.Response
	contact  string
	seq      uint32
}

// buildBYE builds an in-dialog BYE. As UAC the headers follow the INVITE
// and its 2xx; as UAS From and To are swapped.
func buildBYE(d dialogState) *sip.Request {
	recipient := d.invite.Recipient.Clone()
	if d.uac {
		if contact := d.response.Contact(); contact != nil {
			recipient = contact.Address.Clone()
		}
	} else if contact := d.invite.Contact(); contact != nil {
		recipient = contact.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, *recipient)
	bye.SipVersion = d.invite.SipVersion

	if d.uac {
		if from := d.invite.From(); from != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.response.To(); to != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	} else {
		if to := d.response.To(); to != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := d.invite.From(); from != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if h := d.invite.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.seq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	if d.contact != "" {
		bye.AppendHeader(sip.NewHeader("Contact", d.contact))
	}
	return bye
}
