package phone

import (
	"context"
	"errors"

	"github.com/sipcore/sipcore/internal/events"
	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// reloadTarget exposes the phone to the reload coordinator. Every method
// runs on the loop.
type reloadTarget struct {
	p *Phone
}

func (t reloadTarget) Current() *sipconfig.Config { return t.p.cfg }

func (t reloadTarget) HasCall() bool { return t.p.calls.Current() != nil }

func (t reloadTarget) TerminateCall() { t.p.calls.Terminate(context.Background()) }

func (t reloadTarget) Disconnect() { t.p.reg.Disconnect() }

func (t reloadTarget) Swap(cfg *sipconfig.Config) { t.p.cfg = cfg }

func (t reloadTarget) ResolveIdentity(cfg *sipconfig.Config) (sipconfig.User, error) {
	user, err := t.p.resolver.Resolve(cfg, t.p.principal)
	if err != nil {
		return sipconfig.User{}, err
	}
	t.p.user = user
	return user, nil
}

func (t reloadTarget) Connect(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User) error {
	return t.p.reg.Connect(ep, cfg, user)
}

func (t reloadTarget) Reconnect() error {
	ep := t.p.reg.Endpoint()
	if ep.URL == "" {
		return errors.New("no previous endpoint")
	}
	return t.p.reg.Connect(ep, t.p.config(), t.p.user)
}

func (t reloadTarget) StateUpdate() { t.p.notify(events.KindStateUpdate) }
