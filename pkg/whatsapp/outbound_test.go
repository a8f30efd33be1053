package whatsapp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waclaw/waclaw/pkg/store"
)

func newTestAdapter(t *testing.T) (*OutboundAdapter, *fakeSocket, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	sock := newFakeSocket()
	b := NewBridge(sock, &fakeAgent{}, st, botJID, botLID)
	adapter := NewOutboundAdapter(b, st, func() Status {
		return Status{State: StateConnected, Account: "555000"}
	})
	return adapter, sock, st
}

func TestResolveRecipientJIDPassthrough(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)

	jid, err := adapter.ResolveRecipient("12036@g.us")
	require.NoError(t, err)
	require.Equal(t, "12036@g.us", jid)
}

func TestResolveRecipientRequiresAllowlist(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)

	_, err := adapter.ResolveRecipient("+1234567890")
	require.ErrorContains(t, err, "not in allowlist")
}

func TestResolveRecipientUsesStoredRawID(t *testing.T) {
	adapter, _, st := newTestAdapter(t)
	require.NoError(t, st.AddToAllowlist("+1234567890", "1234567890@lid", ""))

	jid, err := adapter.ResolveRecipient("1234567890")
	require.NoError(t, err)
	require.Equal(t, "1234567890@lid", jid)
}

func TestResolveRecipientFallsBackToPhoneJID(t *testing.T) {
	adapter, _, st := newTestAdapter(t)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", "alice"))

	jid, err := adapter.ResolveRecipient("+1234567890")
	require.NoError(t, err)
	require.Equal(t, "1234567890@s.whatsapp.net", jid)
}

func TestAdapterSend(t *testing.T) {
	adapter, sock, st := newTestAdapter(t)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	id, err := adapter.Send(context.Background(), "+1234567890", "hello")
	require.NoError(t, err)
	require.Equal(t, "WIRE-1", id)
	require.Len(t, sock.sentMessages(), 1)
	require.Equal(t, "1234567890@s.whatsapp.net", sock.sentMessages()[0].to)
}

func TestAdapterStatus(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	st := adapter.GetStatus()
	require.Equal(t, StateConnected, st.State)
	require.Equal(t, "555000", st.Account)
}
