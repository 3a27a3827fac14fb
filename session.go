package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	maxReconnectAttempts = 10
	maxReconnectDelay    = 30 * time.Second
	heartbeatInterval    = 60 * time.Second
	stalenessThreshold   = 5 * time.Minute
	sendTimeout          = 60 * time.Second
)

// MessagingClient is the messaging capability the supervisor drives. The
// production implementation wraps a whatsmeow client (transport.go); tests
// substitute a fake.
type MessagingClient interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
	SendText(ctx context.Context, recipient, text string) error
	SendPresence() error
	RejectCall(from, callID string) error
	ResetCredentials(ctx context.Context) error
}

// SessionSupervisor owns the lifecycle of the messaging connection:
// reconnection with exponential backoff, credential reset on logout,
// liveness heartbeats and recovery from silent connection death.
type SessionSupervisor struct {
	client     MessagingClient
	router     *CommandRouter
	adminJID   string
	serverName string
	logger     waLog.Logger
	started    time.Time
	stop       chan struct{}

	mu                sync.Mutex
	reconnectAttempts int
	retriesExhausted  bool
	lastActivity      time.Time
	pendingQR         string
	reconnectTimer    *time.Timer
}

func NewSessionSupervisor(client MessagingClient, router *CommandRouter, adminJID, serverName string, logger waLog.Logger) *SessionSupervisor {
	return &SessionSupervisor{
		client:     client,
		router:     router,
		adminJID:   adminJID,
		serverName: serverName,
		logger:     logger,
		started:    time.Now(),
		stop:       make(chan struct{}),
	}
}

// Start launches the heartbeat loop and issues the initial connect attempt.
func (s *SessionSupervisor) Start() {
	go s.heartbeatLoop()
	s.logger.Infof("🔌 Connecting to WhatsApp...")
	s.attemptConnect()
}

// Stop cancels any pending reconnect, stops the heartbeat and closes the
// messaging session.
func (s *SessionSupervisor) Stop() {
	close(s.stop)
	s.cancelPendingReconnect()
	s.client.Disconnect()
}

// backoffDelay returns min(1s << attempt, 30s).
func backoffDelay(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > maxReconnectDelay || d <= 0 {
		return maxReconnectDelay
	}
	return d
}

func (s *SessionSupervisor) attemptConnect() {
	if s.client.IsConnected() {
		return
	}
	if err := s.client.Connect(); err != nil {
		s.logger.Errorf("❌ Connection attempt failed: %v", err)
		s.HandleDisconnected(false)
	}
}

func (s *SessionSupervisor) scheduleReconnect(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A new schedule supersedes the old one so at most one reconnect is
	// pending at any time.
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, s.attemptConnect)
}

func (s *SessionSupervisor) cancelPendingReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// HandleConnected resets the retry state and sends a best-effort startup
// notification to the admin chat.
func (s *SessionSupervisor) HandleConnected() {
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.retriesExhausted = false
	s.pendingQR = ""
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.cancelPendingReconnect()

	s.logger.Infof("✅ WhatsApp Connected Successfully")

	if s.adminJID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	text := fmt.Sprintf("🤖 *Bot Online*\n\n✅ Connected at: %s\n🌐 Server: %s",
		time.Now().Format(timeLayout), s.serverName)
	if err := s.client.SendText(ctx, s.adminJID, text); err != nil {
		s.logger.Warnf("Could not send startup notification: %v", err)
	}
}

// HandleDisconnected reacts to a dropped connection. A logged-out
// disconnect resets the stored credentials and reconnects immediately
// without consuming a reconnect attempt; anything else goes through the
// backoff schedule up to the attempt ceiling.
func (s *SessionSupervisor) HandleDisconnected(loggedOut bool) {
	if loggedOut {
		s.logger.Errorf("🔑 Logged out. Clearing auth state and reconnecting...")
		s.cancelPendingReconnect()
		s.mu.Lock()
		s.pendingQR = ""
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.client.ResetCredentials(ctx); err != nil {
			s.logger.Errorf("Failed to reset credentials: %v", err)
		}
		s.attemptConnect()
		return
	}

	s.mu.Lock()
	if s.retriesExhausted {
		s.mu.Unlock()
		return
	}
	if s.reconnectAttempts >= maxReconnectAttempts {
		s.retriesExhausted = true
		s.mu.Unlock()
		s.logger.Errorf("❌ Max reconnection attempts reached; the messaging session will not be retried")
		return
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	delay := backoffDelay(attempt)
	s.logger.Warnf("🔄 Reconnecting in %v... (Attempt %d/%d)", delay, attempt, maxReconnectAttempts)
	s.scheduleReconnect(delay)
}

// StopRetrying disables further reconnect attempts, e.g. on a temporary ban.
func (s *SessionSupervisor) StopRetrying() {
	s.mu.Lock()
	s.retriesExhausted = true
	s.mu.Unlock()
	s.cancelPendingReconnect()
}

// ForceReconnect tears the connection down and reconnects immediately,
// bypassing the backoff counter. Used when the connection appears silently
// dead.
func (s *SessionSupervisor) ForceReconnect() {
	s.logger.Warnf("🔄 Connection seems dead, reconnecting...")
	s.cancelPendingReconnect()
	s.client.Disconnect()
	if err := s.client.Connect(); err != nil {
		s.logger.Errorf("❌ Forced reconnect failed: %v", err)
		s.HandleDisconnected(false)
	}
}

func (s *SessionSupervisor) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.heartbeat()
		case <-s.stop:
			return
		}
	}
}

// heartbeat sends a presence update when connected. A failed heartbeat on a
// connection with no activity for longer than the staleness threshold is
// treated as silent death and recovered with a forced reconnect.
func (s *SessionSupervisor) heartbeat() {
	if !s.client.IsConnected() || !s.client.IsLoggedIn() {
		return
	}
	if err := s.client.SendPresence(); err != nil {
		s.logger.Warnf("⚠️ Heartbeat failed: %v", err)
		if time.Since(s.LastActivity()) > stalenessThreshold {
			s.ForceReconnect()
		}
		return
	}
	s.logger.Debugf("💓 WhatsApp heartbeat sent")
	s.Touch()
}

// HandleMessage dispatches one inbound text message through the command
// router and sends the reply back to the originating chat. Self-originated
// and textless events are ignored.
func (s *SessionSupervisor) HandleMessage(chat, text string, fromMe bool) {
	if fromMe || text == "" {
		return
	}
	s.Touch()
	s.logger.Infof("📩 Message from %s: %s", chat, text)

	reply := s.router.Reply(text)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.client.SendText(ctx, chat, reply); err != nil {
		s.logger.Warnf("Failed to send reply to %s: %v", chat, err)
	}
}

// HandleCall declines an incoming call without ringing.
func (s *SessionSupervisor) HandleCall(from, callID string) {
	s.logger.Infof("📞 Call received from %s, declining...", from)
	if err := s.client.RejectCall(from, callID); err != nil {
		s.logger.Warnf("Failed to reject call: %v", err)
	}
}

// Touch records inbound or heartbeat activity.
func (s *SessionSupervisor) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound message or
// successful heartbeat.
func (s *SessionSupervisor) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Uptime reports how long the supervisor has been running.
func (s *SessionSupervisor) Uptime() time.Duration {
	return time.Since(s.started)
}

// SetPendingQR publishes the pairing code currently awaiting a scan; an
// empty code clears it.
func (s *SessionSupervisor) SetPendingQR(code string) {
	s.mu.Lock()
	s.pendingQR = code
	s.mu.Unlock()
}

// PendingQR returns the pairing code awaiting a scan, if any.
func (s *SessionSupervisor) PendingQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingQR
}
