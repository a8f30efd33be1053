package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/waclaw/waclaw/pkg/agent"
	"github.com/waclaw/waclaw/pkg/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMsg struct {
	to   string
	text string
}

type fakeSocket struct {
	mu        sync.Mutex
	handlers  map[uint32]whatsmeow.EventHandler
	nextID    uint32
	seq       int
	sent      []sentMsg
	presences []string
	sendErr   error

	groupInfo  *types.GroupInfo
	groupErr   error
	groupCalls int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: map[uint32]whatsmeow.EventHandler{}}
}

func (f *fakeSocket) AddEventHandler(h whatsmeow.EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = h
	return f.nextID
}

func (f *fakeSocket) RemoveEventHandler(id uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[id]
	delete(f.handlers, id)
	return ok
}

func (f *fakeSocket) emit(evt any) {
	f.mu.Lock()
	handlers := make([]whatsmeow.EventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeSocket) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.seq++
	id := fmt.Sprintf("WIRE-%d", f.seq)
	f.sent = append(f.sent, sentMsg{to: to.String(), text: msg.GetConversation()})
	return whatsmeow.SendResponse{ID: types.MessageID(id)}, nil
}

func (f *fakeSocket) SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, string(state))
	return nil
}

func (f *fakeSocket) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return f.groupInfo, nil
}

func (f *fakeSocket) Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return whatsmeow.UploadResponse{URL: "https://mmg.example/blob", DirectPath: "/blob"}, nil
}

func (f *fakeSocket) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSocket) presenceUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.presences))
	copy(out, f.presences)
	return out
}

type fakeAgent struct {
	mu        sync.Mutex
	delay     time.Duration
	reply     string
	err       error
	calls     []agent.Request
	cancelled int
}

func (a *fakeAgent) Generate(ctx context.Context, req agent.Request) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	delay := a.delay
	reply := a.reply
	err := a.err
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.mu.Lock()
			a.cancelled++
			a.mu.Unlock()
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAgent) call(i int) agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var (
	botJID   = types.NewJID("555000", types.DefaultUserServer)
	botLID   = types.NewJID("999111", types.HiddenUserServer)
	peerJID  = types.NewJID("1234567890", types.DefaultUserServer)
	groupJID = types.NewJID("120363000000000001", types.GroupServer)
)

func newTestBridge(t *testing.T, ag agent.Agent) (*Bridge, *fakeSocket, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	sock := newFakeSocket()
	sock.groupInfo = &types.GroupInfo{GroupName: types.GroupName{Name: "Team"}}

	b := NewBridge(sock, ag, st, botJID, botLID)
	b.debounce = 30 * time.Millisecond
	b.Attach()
	t.Cleanup(b.Detach)
	return b, sock, st
}

func dmEvent(id, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
			ID:            types.MessageID(id),
			PushName:      "Alice",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func groupEvent(id, text string, mentioned bool) *events.Message {
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if mentioned {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{MentionedJID: []string{botJID.String()}},
		}}
	}
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    groupJID,
				Sender:  peerJID,
				IsGroup: true,
			},
			ID:        types.MessageID(id),
			PushName:  "Alice",
			Timestamp: time.Now(),
		},
		Message: msg,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestDebouncedCoalescingDM(t *testing.T) {
	ag := &fakeAgent{reply: "on it"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("A1", "create folders"))
	time.Sleep(10 * time.Millisecond)
	sock.emit(dmEvent("A2", "each app can be a gh repo"))

	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 1 })
	b.Wait()

	require.Equal(t, 1, ag.callCount())
	content := ag.call(0).Content
	require.Contains(t, content, "create folders\neach app can be a gh repo")
	require.Contains(t, content, "<message-context>")
	require.Contains(t, content, `<sender name="Alice" jid="1234567890@s.whatsapp.net" />`)
	require.Equal(t, "whatsapp-+1234567890", ag.call(0).ThreadID)

	sent := sock.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "on it", sent[0].text)
	require.Equal(t, peerJID.String(), sent[0].to)
}

func TestAbortOnNewMessage(t *testing.T) {
	ag := &fakeAgent{reply: "late answer", delay: 300 * time.Millisecond}
	_, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("B1", "A"))
	// Let the first flush start its agent run.
	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })

	sock.emit(dmEvent("B2", "B"))
	waitFor(t, 2*time.Second, func() bool { return ag.callCount() == 2 })
	waitFor(t, 2*time.Second, func() bool { return len(sock.sentMessages()) == 1 })

	ag.mu.Lock()
	cancelled := ag.cancelled
	ag.mu.Unlock()
	require.GreaterOrEqual(t, cancelled, 1, "first run should have been aborted")

	require.Contains(t, ag.call(1).Content, "B")
	// Only the second run's reply went out.
	require.Len(t, sock.sentMessages(), 1)
}

func TestPairingFlow(t *testing.T) {
	ag := &fakeAgent{reply: "should never run"}
	_, sock, st := newTestBridge(t, ag)

	sock.emit(dmEvent("P1", "/pair"))
	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 1 })

	require.Equal(t, 0, ag.callCount())

	sent := sock.sentMessages()
	require.Contains(t, strings.ToLower(sent[0].text), "pair")

	pairing, err := st.FindActivePairing(peerJID.String())
	require.NoError(t, err)
	require.NotNil(t, pairing)
	require.Len(t, pairing.Code, 6)
	require.Contains(t, sent[0].text, pairing.Code)
	require.WithinDuration(t, time.Now().Add(store.PairingTTL), pairing.ExpiresAt, time.Minute)

	// A second request reuses the active code instead of minting a new one.
	sock.emit(dmEvent("P2", "/pair"))
	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 2 })
	require.Contains(t, sock.sentMessages()[1].text, pairing.Code)
}

func TestUnknownDMDroppedSilently(t *testing.T) {
	ag := &fakeAgent{reply: "nope"}
	_, sock, _ := newTestBridge(t, ag)

	sock.emit(dmEvent("U1", "hello?"))
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, 0, ag.callCount())
	require.Empty(t, sock.sentMessages())
}

func TestGroupMentionImmediate(t *testing.T) {
	ag := &fakeAgent{reply: "here to help"}
	b, sock, st := newTestBridge(t, ag)
	b.debounce = 5 * time.Second // a mention must not wait this out
	require.NoError(t, st.AddGroup(groupJID.String(), "", store.ModeMentions))

	sock.emit(groupEvent("G1", "hey @bot help", true))

	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 1 })
	require.Equal(t, 1, ag.callCount())

	content := ag.call(0).Content
	require.Contains(t, content, "<mentioned>true</mentioned>")
	require.Contains(t, content, `<group name="Team" jid="`+groupJID.String()+`" />`)
	require.NotContains(t, content, "<observe-mode>")
	require.Equal(t, "whatsapp-group-"+groupJID.String(), ag.call(0).ThreadID)

	sent := sock.sentMessages()
	require.Equal(t, groupJID.String(), sent[0].to)
	require.Equal(t, "here to help", sent[0].text)
}

func TestGroupUnmentionedObserves(t *testing.T) {
	ag := &fakeAgent{reply: "should be suppressed"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddGroup(groupJID.String(), "", store.ModeMentions))

	sock.emit(groupEvent("G2", "just chatting", false))

	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })
	b.Wait()
	time.Sleep(50 * time.Millisecond)

	content := ag.call(0).Content
	require.True(t, strings.HasPrefix(content, "<message-context>"))
	require.Contains(t, content, "<observe-mode>")
	require.Contains(t, content, "just chatting")

	require.Empty(t, sock.sentMessages(), "observe mode must not reply")
	require.Empty(t, sock.presenceUpdates(), "observe mode must not show typing")
}

func TestGroupObserveMode(t *testing.T) {
	ag := &fakeAgent{reply: "still suppressed"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddGroup(groupJID.String(), "", store.ModeObserve))

	// Even a mention stays silent in observe mode.
	sock.emit(groupEvent("G3", "hey @bot", true))

	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })
	b.Wait()
	time.Sleep(50 * time.Millisecond)

	require.Contains(t, ag.call(0).Content, "<observe-mode>")
	require.Empty(t, sock.sentMessages())
}

func TestGroupNotAllowedDropped(t *testing.T) {
	ag := &fakeAgent{}
	_, sock, _ := newTestBridge(t, ag)

	sock.emit(groupEvent("G4", "hello", true))
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, 0, ag.callCount())
	require.Empty(t, sock.sentMessages())
}

func TestEchoSuppression(t *testing.T) {
	ag := &fakeAgent{reply: "bot reply"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("E1", "ping"))
	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 1 })
	b.Wait()

	require.Equal(t, 1, ag.callCount())
	wireID := "WIRE-1"
	require.True(t, b.echo.Has(wireID))

	echo := dmEvent(wireID, "bot reply")
	echo.Info.IsFromMe = true
	sock.emit(echo)
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, 1, ag.callCount(), "echo must not trigger the agent")
	require.False(t, b.echo.Has(wireID), "echo id must be consumed")
}

func TestNoReplySuppressesDelivery(t *testing.T) {
	ag := &fakeAgent{reply: "thinking... <no-reply/>"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("N1", "ping"))
	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })
	b.Wait()
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, sock.sentMessages())
}

func TestLongReplyChunked(t *testing.T) {
	ag := &fakeAgent{reply: strings.Repeat("a", MaxTextLen) + "\n" + strings.Repeat("b", 100)}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("L1", "long please"))
	waitFor(t, time.Second, func() bool { return len(sock.sentMessages()) == 2 })
	b.Wait()

	for _, m := range sock.sentMessages() {
		require.LessOrEqual(t, len(m.text), MaxTextLen)
	}
	// Every chunk is tracked for echo suppression.
	require.True(t, b.echo.Has("WIRE-1"))
	require.True(t, b.echo.Has("WIRE-2"))
}

func TestAgentErrorProducesNoReply(t *testing.T) {
	ag := &fakeAgent{err: fmt.Errorf("rate limited")}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	sock.emit(dmEvent("F1", "ping"))
	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })
	b.Wait()
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, sock.sentMessages())
	// The typing indicator is still cleared.
	waitFor(t, time.Second, func() bool {
		p := sock.presenceUpdates()
		return len(p) == 2 && p[1] == string(types.ChatPresencePaused)
	})
}

func TestAttachmentOnlyMessageProcessed(t *testing.T) {
	ag := &fakeAgent{reply: "nice picture"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	evt := dmEvent("M1", "")
	evt.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Mimetype:   proto.String("image/jpeg"),
		FileLength: proto.Uint64(2048),
	}}
	sock.emit(evt)

	waitFor(t, time.Second, func() bool { return ag.callCount() == 1 })
	b.Wait()

	require.Contains(t, ag.call(0).Content, `<attachment type="image" mimeType="image/jpeg" size="2048" />`)
}

func TestDetachIdempotentAndStopsProcessing(t *testing.T) {
	ag := &fakeAgent{reply: "hi"}
	b, sock, st := newTestBridge(t, ag)
	require.NoError(t, st.AddToAllowlist("+1234567890", "", ""))

	b.Detach()
	b.Detach()

	// The handler is gone from the socket, and direct delivery is refused too.
	sock.emit(dmEvent("D1", "anyone home?"))
	b.handleMessage(dmEvent("D2", "hello?"))
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, 0, ag.callCount())

	b.mu.Lock()
	timers := len(b.timers)
	pending := len(b.pending)
	b.mu.Unlock()
	require.Zero(t, timers)
	require.Zero(t, pending)
}

func TestSendOutboundRecordsEcho(t *testing.T) {
	ag := &fakeAgent{}
	b, sock, _ := newTestBridge(t, ag)

	id, err := b.SendOutbound(context.Background(), peerJID.String(), "hello\nworld", nil)
	require.NoError(t, err)
	require.Equal(t, "WIRE-1", id)
	require.True(t, b.echo.Has("WIRE-1"))
	require.Len(t, sock.sentMessages(), 1)
}
