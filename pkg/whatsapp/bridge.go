// Package whatsapp contains the conversation bridge between the WhatsApp
// socket and the agent: inbound filtering, per-conversation debounce and
// coalescing, abortable agent calls, reply chunking and the connection
// supervisor that owns the socket.
package whatsapp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/waclaw/waclaw/pkg/agent"
	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/store"
	"github.com/waclaw/waclaw/pkg/utils"
	"github.com/waclaw/waclaw/pkg/waid"
)

const (
	// DebounceWindow is how long the bridge waits for follow-up messages
	// before invoking the agent. Mentions skip the wait.
	DebounceWindow = 2 * time.Second

	// AgentTimeout is the ceiling on a single agent call.
	AgentTimeout = 5 * time.Minute

	presenceTimeout = 10 * time.Second
)

// pendingBatch accumulates texts for one debounce key. The phone and reply
// target are captured on first insertion; texts append in arrival order.
type pendingBatch struct {
	phone   string
	replyTo string
	texts   []string
}

// Bridge is the per-conversation pipeline. One instance lives per socket
// connection; the supervisor attaches it on open and detaches on close.
//
// All ephemeral state (pending batches, timers, in-flight markers, abort
// handles) is guarded by a single mutex — the fields are always updated
// together.
type Bridge struct {
	sock   Socket
	agent  agent.Agent
	store  *store.Store
	botJID types.JID
	botLID types.JID

	debounce      time.Duration
	agentTimeout  time.Duration
	maxMediaBytes int64

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	attached   bool
	handlerID  uint32
	pending    map[string]*pendingBatch
	meta       map[string]*Envelope
	timers     map[string]*time.Timer
	processing map[string]struct{}
	aborts     map[string]context.CancelFunc

	groups *GroupMetaCache
	echo   *EchoTracker
	wg     sync.WaitGroup
}

func NewBridge(sock Socket, ag agent.Agent, st *store.Store, botJID, botLID types.JID) *Bridge {
	return &Bridge{
		sock:          sock,
		agent:         ag,
		store:         st,
		botJID:        botJID,
		botLID:        botLID,
		debounce:      DebounceWindow,
		agentTimeout:  AgentTimeout,
		maxMediaBytes: 20 * 1024 * 1024,
		pending:       map[string]*pendingBatch{},
		meta:          map[string]*Envelope{},
		timers:        map[string]*time.Timer{},
		processing:    map[string]struct{}{},
		aborts:        map[string]context.CancelFunc{},
		groups:        NewGroupMetaCache(sock),
		echo:          NewEchoTracker(),
	}
}

// Attach subscribes the bridge to the socket's event stream.
func (b *Bridge) Attach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached {
		return
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.handlerID = b.sock.AddEventHandler(b.handleEvent)
	b.attached = true
	logger.InfoC("bridge", "Attached to socket")
}

// Detach unsubscribes, cancels every pending timer, aborts every in-flight
// agent call and clears all ephemeral state. Idempotent.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return
	}
	b.attached = false
	b.sock.RemoveEventHandler(b.handlerID)
	for _, t := range b.timers {
		t.Stop()
	}
	for _, abort := range b.aborts {
		abort()
	}
	b.cancel()
	b.pending = map[string]*pendingBatch{}
	b.meta = map[string]*Envelope{}
	b.timers = map[string]*time.Timer{}
	b.aborts = map[string]context.CancelFunc{}
	logger.InfoC("bridge", "Detached from socket")
}

// Wait blocks until in-flight agent runs have finished. Test helper; Detach
// does not wait so disconnects stay prompt.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) handleEvent(rawEvt any) {
	evt, ok := rawEvt.(*events.Message)
	if !ok {
		return
	}
	b.handleMessage(evt)
}

// handleMessage is the inbound filter chain.
func (b *Bridge) handleMessage(evt *events.Message) {
	b.echo.Prune()

	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		if b.echo.Consume(evt.Info.ID) {
			logger.DebugCF("bridge", "Echo suppressed", map[string]any{"id": evt.Info.ID})
		}
		// Uncorrelated self-authored traffic is dropped too.
		return
	}
	if evt.Info.Chat.IsEmpty() {
		return
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	msg := Unwrap(evt.Message)
	text := ExtractText(msg)
	media := ExtractMedia(msg)
	if media != nil && b.maxMediaBytes > 0 && media.FileSize > uint64(b.maxMediaBytes) {
		logger.WarnCF("bridge", "Attachment over size limit, ignoring", map[string]any{
			"kind": media.Kind,
			"size": media.FileSize,
		})
		media = nil
	}
	if strings.TrimSpace(text) == "" && media == nil {
		return
	}

	if evt.Info.IsGroup {
		b.handleGroupMessage(evt, msg, text, media)
	} else {
		b.handleDirectMessage(evt, msg, text, media)
	}
}

func (b *Bridge) handleDirectMessage(evt *events.Message, msg *waE2E.Message, text string, media *MediaRef) {
	remoteID := evt.Info.Chat.String()
	phone := waid.Normalize(remoteID)

	if !b.store.IsAllowed(remoteID, phone) {
		if strings.TrimSpace(text) == "/pair" {
			b.handlePairing(evt.Info.Chat)
		}
		return
	}

	meta := &Envelope{
		Channel:    "whatsapp",
		Type:       "dm",
		SenderID:   remoteID,
		SenderName: evt.Info.PushName,
		Timestamp:  messageTime(evt),
		QuotedText: GetQuotedText(msg),
		Media:      media,
	}
	b.buffer(remoteID, phone, text, remoteID, meta, false)
}

func (b *Bridge) handleGroupMessage(evt *events.Message, msg *waE2E.Message, text string, media *MediaRef) {
	groupID := evt.Info.Chat.String()

	allowed, mode := b.store.GetGroupConfig(groupID)
	if !allowed {
		return
	}
	if evt.Info.Sender.IsEmpty() {
		return
	}

	participantID := evt.Info.Sender.String()
	phone := waid.Normalize(participantID)
	key := groupID + ":" + participantID

	mentioned := IsBotMentioned(msg, b.botJID.String(), b.botLID.String())
	groupName := b.groups.Name(b.ctx, evt.Info.Chat)

	meta := &Envelope{
		Channel:     "whatsapp",
		Type:        "group",
		SenderID:    participantID,
		SenderName:  evt.Info.PushName,
		Timestamp:   messageTime(evt),
		GroupID:     groupID,
		GroupName:   groupName,
		IsMentioned: mentioned,
		QuotedText:  GetQuotedText(msg),
		Media:       media,
		GroupMode:   mode,
	}
	b.buffer(key, phone, text, groupID, meta, mentioned)
}

func messageTime(evt *events.Message) time.Time {
	if evt.Info.Timestamp.IsZero() {
		return time.Now()
	}
	return evt.Info.Timestamp
}

// buffer appends one message to its debounce key, aborts any in-flight run
// for the key, and (re)arms the flush timer. Immediate messages flush on the
// next tick instead of waiting out the window.
func (b *Bridge) buffer(key, phone, text, replyTo string, meta *Envelope, immediate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return
	}

	p := b.pending[key]
	if p == nil {
		p = &pendingBatch{phone: phone, replyTo: replyTo}
		b.pending[key] = p
	}
	p.texts = append(p.texts, text)
	b.meta[key] = meta

	if abort := b.aborts[key]; abort != nil {
		abort()
	}
	if t := b.timers[key]; t != nil {
		t.Stop()
	}

	delay := b.debounce
	if immediate {
		delay = 0
	}
	b.timers[key] = time.AfterFunc(delay, func() { b.flush(key) })
}

// flush pops the pending batch for key and runs the agent for it in its own
// goroutine. If a run is already in flight the call is a no-op — completion
// of that run re-flushes.
func (b *Bridge) flush(key string) {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return
	}
	if _, busy := b.processing[key]; busy {
		b.mu.Unlock()
		return
	}

	if t := b.timers[key]; t != nil {
		t.Stop()
		delete(b.timers, key)
	}
	p := b.pending[key]
	meta := b.meta[key]
	delete(b.pending, key)
	delete(b.meta, key)
	if p == nil || len(p.texts) == 0 {
		b.mu.Unlock()
		return
	}

	combined := strings.Join(p.texts, "\n")
	b.processing[key] = struct{}{}
	runCtx, cancel := context.WithCancel(b.ctx)
	b.aborts[key] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		err := b.processMessage(runCtx, p.phone, p.replyTo, combined, meta)
		if err != nil && !isCancellation(err) {
			logger.ErrorCF("bridge", "Message processing failed", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
		}

		b.mu.Lock()
		delete(b.processing, key)
		delete(b.aborts, key)
		cancel()
		rerun := b.attached && b.pending[key] != nil && len(b.pending[key].texts) > 0
		b.mu.Unlock()

		// A message arrived during the run: it already signalled abort, so
		// re-flush without a fresh debounce wait.
		if rerun {
			b.flush(key)
		}
	}()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// processMessage builds the agent input, runs the call under the abort
// handle plus the timeout ceiling, and delivers the reply.
func (b *Bridge) processMessage(ctx context.Context, phone, replyTo, body string, meta *Envelope) error {
	isGroup := meta != nil && meta.Type == "group"

	var threadID, threadTitle string
	threadMeta := map[string]string{}
	if isGroup {
		threadID = "whatsapp-group-" + meta.GroupID
		threadTitle = "WhatsApp Group: " + meta.GroupName
		threadMeta["type"] = "whatsapp-group"
		threadMeta["groupID"] = meta.GroupID
		threadMeta["groupName"] = meta.GroupName
	} else {
		threadID = "whatsapp-" + phone
		threadTitle = "WhatsApp: " + phone
		threadMeta["type"] = "whatsapp"
		threadMeta["phone"] = phone
	}

	// Observe: the agent still runs (to accumulate context) but the reply
	// is suppressed and no typing indicator is shown.
	observe := isGroup &&
		(meta.GroupMode == store.ModeObserve ||
			(meta.GroupMode == store.ModeMentions && !meta.IsMentioned))

	var parts []string
	if meta != nil {
		parts = append(parts, "<message-context>\n"+meta.Format()+"\n</message-context>")
	}
	if observe {
		parts = append(parts, ObserveBlock(meta.GroupID))
	}
	parts = append(parts, body)
	content := strings.Join(parts, "\n")

	replyJID, err := types.ParseJID(replyTo)
	if err != nil {
		return err
	}

	if !observe {
		composed := b.sendPresence(replyJID, types.ChatPresenceComposing, nil)
		defer b.sendPresence(replyJID, types.ChatPresencePaused, composed)
	}

	callCtx, cancelTimeout := context.WithTimeout(ctx, b.agentTimeout)
	defer cancelTimeout()

	reply, err := b.agent.Generate(callCtx, agent.Request{
		ThreadID:    threadID,
		ThreadTitle: threadTitle,
		ThreadMeta:  threadMeta,
		ResourceID:  agent.DefaultResourceID,
		Content:     content,
	})
	if err != nil {
		if isCancellation(err) || callCtx.Err() != nil {
			// Cancellation ends the run with no output; buffered input is
			// handled by the re-flush path.
			return nil
		}
		return err
	}

	if observe {
		return nil
	}
	if strings.TrimSpace(reply) == "" || ContainsNoReply(reply) {
		return nil
	}
	reply = StripDirectives(reply)
	if reply == "" {
		return nil
	}

	for _, chunk := range ChunkText(reply, MaxTextLen) {
		// Abort is checked before each chunk; already-sent chunks stand.
		if ctx.Err() != nil {
			return nil
		}
		resp, err := b.sock.SendMessage(ctx, replyJID, &waE2E.Message{
			Conversation: proto.String(chunk),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorCF("bridge", "Reply send failed", map[string]any{
				"to":    replyTo,
				"error": err.Error(),
			})
			return nil
		}
		b.echo.Record(resp.ID)
	}

	logger.DebugCF("bridge", "Reply delivered", map[string]any{
		"to":      replyTo,
		"preview": utils.Truncate(reply, 50),
	})
	return nil
}

// sendPresence issues a typing-state update without blocking the pipeline.
// Failures are swallowed. When after is non-nil the update is issued only
// once that earlier update has finished, so composing/paused keep their order.
// The returned channel closes when this update has been issued.
func (b *Bridge) sendPresence(jid types.JID, state types.ChatPresence, after <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if after != nil {
			<-after
		}
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := b.sock.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText); err != nil {
			logger.DebugCF("bridge", "Presence update failed", map[string]any{
				"to":    jid.String(),
				"error": err.Error(),
			})
		}
	}()
	return done
}

// SendOutbound chunks and sends arbitrary text to a conversation, recording
// every wire id in the echo tracker. Returns the last wire id. Media, when
// given, is sent before the text.
func (b *Bridge) SendOutbound(ctx context.Context, to string, text string, opts *OutboundOpts) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", err
	}

	if text == "" && (opts == nil || opts.Media == nil) {
		return "", errors.New("empty outbound message")
	}

	var lastID string
	if opts != nil && opts.Media != nil {
		id, err := b.sendMedia(ctx, jid, opts.Media)
		if err != nil {
			return "", err
		}
		lastID = id
	}

	if text != "" {
		for _, chunk := range ChunkText(text, MaxTextLen) {
			resp, err := b.sock.SendMessage(ctx, jid, &waE2E.Message{
				Conversation: proto.String(chunk),
			})
			if err != nil {
				return "", err
			}
			b.echo.Record(resp.ID)
			lastID = resp.ID
		}
	}
	return lastID, nil
}
