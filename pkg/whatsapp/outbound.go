package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/waclaw/waclaw/pkg/store"
	"github.com/waclaw/waclaw/pkg/waid"
)

// OutboundAdapter is the facade the rest of the application uses to send
// text to a recipient. Phone-number arguments resolve through the allowlist;
// JIDs pass through. A small rate limiter keeps proactive traffic from
// flooding the socket.
type OutboundAdapter struct {
	bridge  *Bridge
	store   *store.Store
	status  func() Status
	limiter *rate.Limiter
}

func NewOutboundAdapter(bridge *Bridge, st *store.Store, status func() Status) *OutboundAdapter {
	return &OutboundAdapter{
		bridge:  bridge,
		store:   st,
		status:  status,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// ResolveRecipient maps a phone or JID argument to a concrete conversation
// JID. Unknown phone numbers fail: only allowlisted peers are reachable.
func (a *OutboundAdapter) ResolveRecipient(to string) (string, error) {
	if strings.Contains(to, "@") {
		return to, nil
	}
	phone := waid.Normalize(to)
	entry, err := a.store.GetAllowlistEntry(phone)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("%s not in allowlist", to)
	}
	if entry.RawID != "" {
		return entry.RawID, nil
	}
	return waid.ToJID(phone), nil
}

// Send delivers text to a recipient and returns the wire id.
func (a *OutboundAdapter) Send(ctx context.Context, to, text string) (string, error) {
	jid, err := a.ResolveRecipient(to)
	if err != nil {
		return "", err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return a.bridge.SendOutbound(ctx, jid, text, nil)
}

// GetStatus reports the supervisor's connection snapshot.
func (a *OutboundAdapter) GetStatus() Status {
	if a.status == nil {
		return Status{State: StateDisconnected}
	}
	return a.status()
}
