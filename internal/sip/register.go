package sip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sipcore/sipcore/internal/signaling"
)

// requestError is a failed request together with the cause reported to
// the core.
type requestError struct {
	cause  string
	status int
	err    error
}

func (e *requestError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.cause, e.status, e.err)
	}
	return fmt.Sprintf("%s: %v", e.cause, e.err)
}

func (e *requestError) Unwrap() error { return e.err }

func connectionError(err error) error {
	return &requestError{cause: signaling.CauseConnectionError, err: err}
}

// failureCause extracts the cause of err, defaulting to a connection error.
func failureCause(err error) string {
	var re *requestError
	if errors.As(err, &re) {
		return re.cause
	}
	return signaling.CauseConnectionError
}

// statusCause maps a final non-2xx status to a cause.
func statusCause(status int) string {
	switch status {
	case 401, 403, 407:
		return signaling.CauseAuthenticationError
	case 408:
		return signaling.CauseRequestTimeout
	case 486, 600:
		return signaling.CauseBusy
	case 487:
		return signaling.CauseCanceled
	default:
		return signaling.CauseRejected
	}
}

// register sends REGISTER with the given expiry, answering one digest
// challenge. It returns the expiry granted by the registrar.
func (t *Transport) register(ctx context.Context, expires int) (int, error) {
	recipient, err := t.uri("")
	if err != nil {
		return 0, err
	}

	req := t.newRequest(sip.REGISTER, recipient)
	req.AppendHeader(sip.NewHeader("From", t.aor()))
	req.AppendHeader(sip.NewHeader("To", t.aor()))
	req.AppendHeader(sip.NewHeader("Contact", t.contactValue()))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	res, err := t.roundTrip(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, connectionError(fmt.Errorf("sending register: %w", err))
	}
	t.markConnected()

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := t.authorize(req, res)
		if err != nil {
			return 0, &requestError{cause: signaling.CauseAuthenticationError, status: res.StatusCode, err: err}
		}
		res, err = t.roundTrip(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			return 0, connectionError(fmt.Errorf("sending authenticated register: %w", err))
		}
	}

	if res.StatusCode != 200 {
		return 0, &requestError{
			cause:  statusCause(res.StatusCode),
			status: res.StatusCode,
			err:    fmt.Errorf("register rejected: %s", res.Reason),
		}
	}

	// The registrar may shorten the requested expiry.
	granted := expires
	if contact := res.GetHeader("Contact"); contact != nil {
		if parsed := parseContactExpires(contact.Value()); parsed > 0 {
			granted = parsed
		}
	} else if h := res.GetHeader("Expires"); h != nil {
		if parsed := parseExpiresHeader(h.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// roundTrip sends req and waits for its first final response.
func (t *Transport) roundTrip(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode < 200 {
			continue
		}
		return res, nil
	}
}

// authorize answers the digest challenge in res with a copy of req that
// carries credentials.
func (t *Transport) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	challengeHeader, credentialHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, credentialHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: t.user.Extension,
		Password: t.user.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(credentialHeader)
	authReq.AppendHeader(sip.NewHeader(credentialHeader, cred.String()))
	return authReq, nil
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact value
// such as <sip:user@host>;expires=3600. It returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value, returning 0 on error.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
