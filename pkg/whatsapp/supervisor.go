package whatsapp

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"

	// Pure-Go SQLite driver backing the whatsmeow session store.
	_ "modernc.org/sqlite"

	"github.com/waclaw/waclaw/pkg/agent"
	"github.com/waclaw/waclaw/pkg/bus"
	"github.com/waclaw/waclaw/pkg/config"
	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/store"
)

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRReady      State = "qr_ready"
	StateConnected    State = "connected"
	StateLoggedOut    State = "logged_out"
)

// Status is a snapshot of the connection for callers outside the package.
type Status struct {
	State   State  `json:"state"`
	QRCode  string `json:"qr_code,omitempty"`
	Account string `json:"account,omitempty"`
}

const (
	maxReconnectAttempts = 10
	reconnectCeiling     = 30 * time.Second
	reconnectFloor       = 250 * time.Millisecond

	// streamCodeRestart is the server's restart-required stream error; it
	// gets a fixed short delay instead of the exponential curve.
	streamCodeRestart = 515
)

// reconnectDelay computes the back-off for a reconnect attempt (1-based).
// jitter yields values in [0,1).
func reconnectDelay(attempt, reason int, jitter func() float64) time.Duration {
	if reason == streamCodeRestart {
		return time.Second
	}
	base := 1.5 * math.Pow(1.6, float64(attempt-1))
	if base > reconnectCeiling.Seconds() {
		base = reconnectCeiling.Seconds()
	}
	factor := 1 + 0.25*(2*jitter()-1)
	d := time.Duration(base * factor * float64(time.Second))
	if d < reconnectFloor {
		d = reconnectFloor
	}
	return d
}

// Supervisor owns the socket lifecycle: login (QR included), bridge
// attach/detach per connection, reconnect back-off and logged-out recovery.
type Supervisor struct {
	cfg    config.Config
	st     *store.Store
	agent  agent.Agent
	router *bus.Router

	mu             sync.Mutex
	state          State
	qr             string
	account        string
	client         *whatsmeow.Client
	container      *sqlstore.Container
	bridge         *Bridge
	attempts       int
	reconnectTimer *time.Timer
	connecting     bool
	stopped        bool
}

func NewSupervisor(cfg config.Config, st *store.Store, ag agent.Agent, router *bus.Router) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		st:     st,
		agent:  ag,
		router: router,
		state:  StateDisconnected,
	}
}

// Bridge returns the currently attached bridge, or nil while disconnected.
func (s *Supervisor) Bridge() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Status returns the current connection snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, QRCode: s.qr, Account: s.account}
}

func (s *Supervisor) dbPath() string {
	return filepath.Join(s.cfg.WhatsApp.AuthDir, "session.db")
}

// Connect establishes the socket. Calls are coalesced: a connect already in
// progress makes this a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.stopped = false
	s.state = StateConnecting
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	s.teardown()

	if err := os.MkdirAll(s.cfg.WhatsApp.AuthDir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	restoreCredentials(s.dbPath())

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.dbPath())
	container, err := sqlstore.New(ctx, "sqlite", dsn, newWALogger("store"))
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, newWALogger("client"))
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.client = client
	s.container = container
	s.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err == nil {
			go s.consumeQR(qrChan)
		} else {
			logger.WarnCF("whatsapp", "QR channel unavailable", map[string]any{"error": err.Error()})
		}
	}

	if err := client.Connect(); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.mu.Lock()
			s.state = StateQRReady
			s.qr = item.Code
			s.mu.Unlock()
			logger.InfoC("whatsapp", "Scan the QR code below with WhatsApp on your phone:")
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
		case "success":
			logger.InfoC("whatsapp", "QR login successful")
		case "timeout":
			logger.ErrorC("whatsapp", "QR code timed out; reconnect to retry")
			s.setState(StateDisconnected)
		}
	}
}

// teardown detaches the bridge and closes any existing socket.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	bridge := s.bridge
	client := s.client
	s.bridge = nil
	s.client = nil
	s.container = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.Detach()
		s.router.Unregister("whatsapp")
	}
	if client != nil {
		client.Disconnect()
	}
}

func (s *Supervisor) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.onOpen()
	case *events.StreamError:
		code, _ := strconv.Atoi(evt.Code)
		s.onClose(code)
	case *events.StreamReplaced:
		s.onClose(0)
	case *events.ConnectFailure:
		s.onClose(int(evt.Reason))
	case *events.Disconnected:
		s.onClose(0)
	case *events.LoggedOut:
		s.onLoggedOut()
	}
}

func (s *Supervisor) onOpen() {
	s.mu.Lock()
	client := s.client
	if client == nil || client.Store.ID == nil {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.state = StateConnected
	s.qr = ""
	s.account = client.Store.ID.User
	s.mu.Unlock()

	logger.InfoCF("whatsapp", "Connected", map[string]any{"account": client.Store.ID.User})

	backupCredentials(s.dbPath())
	_ = s.st.SetConfig("enabled", "true")
	_ = s.st.SetConfig("auto_connect", "true")
	if !client.Store.LID.IsEmpty() {
		_ = s.st.SetConfig("bot_lid", client.Store.LID.String())
	}

	bridge := NewBridge(client, s.agent, s.st, *client.Store.ID, client.Store.LID)
	if s.cfg.MaxMediaBytes > 0 {
		bridge.maxMediaBytes = s.cfg.MaxMediaBytes
	}
	bridge.Attach()
	adapter := NewOutboundAdapter(bridge, s.st, s.Status)

	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()

	s.router.Register("whatsapp", adapter.Send)
}

func (s *Supervisor) onClose(reason int) {
	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	stopped := s.stopped
	s.state = StateDisconnected
	s.mu.Unlock()

	if bridge != nil {
		bridge.Detach()
		s.router.Unregister("whatsapp")
	}
	if stopped {
		return
	}

	logger.WarnCF("whatsapp", "Connection closed", map[string]any{"reason": reason})
	s.scheduleReconnect(reason)
}

func (s *Supervisor) onLoggedOut() {
	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	s.state = StateLoggedOut
	s.account = ""
	s.attempts = 0
	stopped := s.stopped
	s.mu.Unlock()

	if bridge != nil {
		bridge.Detach()
		s.router.Unregister("whatsapp")
	}

	logger.ErrorC("whatsapp", "Logged out; wiping credentials for fresh pairing")
	wipeCredentials(s.dbPath())
	if stopped {
		return
	}
	// Reconnect to obtain a fresh QR.
	s.scheduleReconnect(0)
}

func (s *Supervisor) scheduleReconnect(reason int) {
	s.mu.Lock()
	if s.stopped || s.reconnectTimer != nil {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	if attempt > maxReconnectAttempts {
		s.mu.Unlock()
		logger.ErrorCF("whatsapp", "Giving up after repeated reconnect failures", map[string]any{
			"attempts": maxReconnectAttempts,
		})
		return
	}
	delay := reconnectDelay(attempt, reason, rand.Float64)
	logger.InfoCF("whatsapp", "Reconnecting", map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
	})
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		s.mu.Unlock()
		if err := s.Connect(context.Background()); err != nil {
			logger.ErrorCF("whatsapp", "Reconnect failed", map[string]any{"error": err.Error()})
			s.scheduleReconnect(0)
		}
	})
	s.mu.Unlock()
}

// Disconnect stops the socket and any scheduled reconnect.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	timer := s.reconnectTimer
	s.reconnectTimer = nil
	bridge := s.bridge
	client := s.client
	s.bridge = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if bridge != nil {
		bridge.Detach()
		s.router.Unregister("whatsapp")
	}
	if client != nil {
		client.Disconnect()
	}
	logger.InfoC("whatsapp", "Disconnected")
}

// Logout disconnects and invalidates the session so the next connect shows
// a fresh QR.
func (s *Supervisor) Logout(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	s.Disconnect()
	if client != nil {
		if err := client.Logout(ctx); err != nil {
			logger.WarnCF("whatsapp", "Logout request failed", map[string]any{"error": err.Error()})
		}
	}
	wipeCredentials(s.dbPath())
	s.setState(StateLoggedOut)
}
