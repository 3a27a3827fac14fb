package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type sentText struct {
	recipient string
	text      string
}

// fakeMessaging implements MessagingClient for supervisor and gateway tests.
type fakeMessaging struct {
	mu sync.Mutex

	connected bool
	loggedIn  bool

	connectErr  error
	presenceErr error
	sendErr     error

	connectCalls    int
	disconnectCalls int
	presenceCalls   int
	resetCalls      int
	sent            []sentText
	rejectedCalls   []string
}

func (f *fakeMessaging) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeMessaging) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
}

func (f *fakeMessaging) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMessaging) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeMessaging) SendText(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentText{recipient: recipient, text: text})
	return nil
}

func (f *fakeMessaging) SendPresence() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceCalls++
	return f.presenceErr
}

func (f *fakeMessaging) RejectCall(from, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectedCalls = append(f.rejectedCalls, callID)
	return nil
}

func (f *fakeMessaging) ResetCredentials(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

func (f *fakeMessaging) sentMessages() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentText, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSupervisor(t *testing.T, fake *fakeMessaging) *SessionSupervisor {
	t.Helper()
	router := NewCommandRouter(newTestStore(t), fake.IsConnected)
	sup := NewSessionSupervisor(fake, router, "", "Test", waLog.Noop)
	t.Cleanup(sup.cancelPendingReconnect)
	return sup
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 8*time.Second, backoffDelay(3))
	assert.Equal(t, 16*time.Second, backoffDelay(4))
	assert.Equal(t, 30*time.Second, backoffDelay(5))
	assert.Equal(t, 30*time.Second, backoffDelay(10))
	assert.Equal(t, 30*time.Second, backoffDelay(63))
}

func TestSupervisor_DisconnectSchedulesWithBackoff(t *testing.T) {
	fake := &fakeMessaging{}
	sup := newTestSupervisor(t, fake)

	sup.HandleDisconnected(false)

	sup.mu.Lock()
	attempts := sup.reconnectAttempts
	timer := sup.reconnectTimer
	sup.mu.Unlock()

	assert.Equal(t, 1, attempts)
	assert.NotNil(t, timer)
}

func TestSupervisor_StopsAfterMaxAttempts(t *testing.T) {
	fake := &fakeMessaging{}
	sup := newTestSupervisor(t, fake)

	for i := 0; i < maxReconnectAttempts; i++ {
		sup.HandleDisconnected(false)
	}
	sup.mu.Lock()
	assert.Equal(t, maxReconnectAttempts, sup.reconnectAttempts)
	assert.False(t, sup.retriesExhausted)
	sup.mu.Unlock()

	// The attempt beyond the ceiling flips the exhausted flag and schedules
	// nothing new.
	sup.HandleDisconnected(false)
	sup.mu.Lock()
	assert.True(t, sup.retriesExhausted)
	assert.Equal(t, maxReconnectAttempts, sup.reconnectAttempts)
	sup.mu.Unlock()

	// Further disconnects are ignored once exhausted.
	sup.HandleDisconnected(false)
	sup.mu.Lock()
	assert.Equal(t, maxReconnectAttempts, sup.reconnectAttempts)
	sup.mu.Unlock()
}

func TestSupervisor_LoggedOutResetsCredentialsAndReconnects(t *testing.T) {
	fake := &fakeMessaging{}
	sup := newTestSupervisor(t, fake)
	sup.SetPendingQR("old-code")

	sup.HandleDisconnected(true)

	assert.Equal(t, 1, fake.resetCalls)
	assert.Equal(t, 1, fake.connectCalls)
	assert.Empty(t, sup.PendingQR())

	// The logged-out path does not consume a backoff attempt.
	sup.mu.Lock()
	assert.Equal(t, 0, sup.reconnectAttempts)
	sup.mu.Unlock()
}

func TestSupervisor_ConnectedResetsRetryState(t *testing.T) {
	fake := &fakeMessaging{connected: true}
	sup := newTestSupervisor(t, fake)
	sup.adminJID = "1234@s.whatsapp.net"
	sup.mu.Lock()
	sup.reconnectAttempts = 7
	sup.retriesExhausted = true
	sup.pendingQR = "pending"
	sup.mu.Unlock()

	sup.HandleConnected()

	sup.mu.Lock()
	assert.Equal(t, 0, sup.reconnectAttempts)
	assert.False(t, sup.retriesExhausted)
	assert.Empty(t, sup.pendingQR)
	sup.mu.Unlock()

	sent := fake.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "1234@s.whatsapp.net", sent[0].recipient)
	assert.Contains(t, sent[0].text, "Bot Online")
	assert.Contains(t, sent[0].text, "Test")
}

func TestSupervisor_ConnectedWithoutAdminSendsNothing(t *testing.T) {
	fake := &fakeMessaging{connected: true}
	sup := newTestSupervisor(t, fake)

	sup.HandleConnected()

	assert.Empty(t, fake.sentMessages())
}

func TestSupervisor_ForceReconnectCyclesConnection(t *testing.T) {
	fake := &fakeMessaging{connected: true}
	sup := newTestSupervisor(t, fake)

	sup.ForceReconnect()

	assert.Equal(t, 1, fake.disconnectCalls)
	assert.Equal(t, 1, fake.connectCalls)
	assert.True(t, fake.IsConnected())
}

func TestSupervisor_ForceReconnectFailureFallsBackToBackoff(t *testing.T) {
	fake := &fakeMessaging{connected: true, connectErr: errors.New("dial failed")}
	sup := newTestSupervisor(t, fake)

	sup.ForceReconnect()

	sup.mu.Lock()
	assert.Equal(t, 1, sup.reconnectAttempts)
	sup.mu.Unlock()
}

func TestSupervisor_HeartbeatSkippedWhenNotLoggedIn(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: false}
	sup := newTestSupervisor(t, fake)

	sup.heartbeat()

	assert.Equal(t, 0, fake.presenceCalls)
}

func TestSupervisor_HeartbeatTouchesActivity(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true}
	sup := newTestSupervisor(t, fake)

	before := sup.LastActivity()
	sup.heartbeat()

	assert.Equal(t, 1, fake.presenceCalls)
	assert.True(t, sup.LastActivity().After(before))
}

func TestSupervisor_HeartbeatFailureOnStaleConnectionForcesReconnect(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true, presenceErr: errors.New("ws closed")}
	sup := newTestSupervisor(t, fake)
	sup.mu.Lock()
	sup.lastActivity = time.Now().Add(-6 * time.Minute)
	sup.mu.Unlock()

	sup.heartbeat()

	assert.Equal(t, 1, fake.disconnectCalls)
	assert.Equal(t, 1, fake.connectCalls)
}

func TestSupervisor_HeartbeatFailureOnFreshConnectionDoesNotReconnect(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true, presenceErr: errors.New("ws closed")}
	sup := newTestSupervisor(t, fake)
	sup.Touch()

	sup.heartbeat()

	assert.Equal(t, 0, fake.disconnectCalls)
	assert.Equal(t, 0, fake.connectCalls)
}

func TestSupervisor_HandleMessageRepliesToChat(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true}
	sup := newTestSupervisor(t, fake)

	sup.HandleMessage("9876@s.whatsapp.net", "/help", false)

	sent := fake.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "9876@s.whatsapp.net", sent[0].recipient)
	assert.Equal(t, helpMenu, sent[0].text)
}

func TestSupervisor_HandleMessageIgnoresOwnAndEmpty(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true}
	sup := newTestSupervisor(t, fake)

	sup.HandleMessage("9876@s.whatsapp.net", "/help", true)
	sup.HandleMessage("9876@s.whatsapp.net", "", false)

	assert.Empty(t, fake.sentMessages())
}

func TestSupervisor_HandleCallRejects(t *testing.T) {
	fake := &fakeMessaging{connected: true, loggedIn: true}
	sup := newTestSupervisor(t, fake)

	sup.HandleCall("9876@s.whatsapp.net", "call-123")

	assert.Equal(t, []string{"call-123"}, fake.rejectedCalls)
}

func TestSupervisor_StopRetryingCancelsPendingReconnect(t *testing.T) {
	fake := &fakeMessaging{}
	sup := newTestSupervisor(t, fake)
	sup.HandleDisconnected(false)

	sup.StopRetrying()

	sup.mu.Lock()
	assert.True(t, sup.retriesExhausted)
	assert.Nil(t, sup.reconnectTimer)
	sup.mu.Unlock()

	sup.HandleDisconnected(false)
	sup.mu.Lock()
	assert.Equal(t, 1, sup.reconnectAttempts)
	sup.mu.Unlock()
}
