package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	keepAliveInterval = 10 * time.Minute
	qrImageBaseURL    = "https://api.qrserver.com/v1/create-qr-code/?size=400x400&data="
)

// contactRequest is the body of POST /api/contact.
type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// httpGateway exposes the bot's operational HTTP surface and the
// contact-submission endpoint.
type httpGateway struct {
	store      *ContactStore
	supervisor *SessionSupervisor
	client     MessagingClient
	adminJID   string
	logger     waLog.Logger
}

func newHTTPGateway(store *ContactStore, supervisor *SessionSupervisor, client MessagingClient, adminJID string, logger waLog.Logger) *httpGateway {
	return &httpGateway{
		store:      store,
		supervisor: supervisor,
		client:     client,
		adminJID:   adminJID,
		logger:     logger,
	}
}

func (g *httpGateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/contact", g.handleContactSubmit)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/qr", g.handleQR)
	mux.HandleFunc("/qr.png", g.handleQRImage)
	mux.HandleFunc("/wake", g.handleWake)
	return mux
}

func (g *httpGateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warnf("Failed to encode response: %v", err)
	}
}

func (g *httpGateway) connected() bool {
	return g.client.IsConnected() && g.client.IsLoggedIn()
}

func (g *httpGateway) handleContactSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.Name == "" || req.Email == "" || req.Subject == "" || req.Message == "" {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	contact, err := g.store.Add(req.Name, req.Email, req.Subject, req.Message)
	if err != nil {
		g.logger.Errorf("Contact API error: %v", err)
		g.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	// Best-effort relay to the admin chat; a send failure must not fail
	// the submission.
	if g.connected() && g.adminJID != "" {
		text := fmt.Sprintf("📩 *New Contact*\n\n🆔 ID: %s\n👤 Name: %s\n📧 Email: %s\n📝 Subject: %s\n💬 Message: %s",
			contact.ID, contact.Name, contact.Email, contact.Subject, contact.Message)
		ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
		defer cancel()
		if err := g.client.SendText(ctx, g.adminJID, text); err != nil {
			g.logger.Warnf("Failed to relay contact to admin: %v", err)
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *httpGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	whatsapp := "disconnected"
	if g.connected() {
		whatsapp = "connected"
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"uptime":       g.supervisor.Uptime().Seconds(),
		"whatsapp":     whatsapp,
		"lastActivity": g.supervisor.LastActivity().UTC().Format(time.RFC3339),
	})
}

func (g *httpGateway) handleQR(w http.ResponseWriter, r *http.Request) {
	code := g.supervisor.PendingQR()
	if code == "" {
		g.writeJSON(w, http.StatusOK, map[string]string{
			"message": "No QR code available. Bot might be connected already.",
		})
		return
	}
	http.Redirect(w, r, qrImageBaseURL+url.QueryEscape(code), http.StatusFound)
}

func (g *httpGateway) handleQRImage(w http.ResponseWriter, r *http.Request) {
	code := g.supervisor.PendingQR()
	if code == "" {
		g.writeJSON(w, http.StatusNotFound, map[string]string{
			"message": "No QR code available. Bot might be connected already.",
		})
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 400)
	if err != nil {
		g.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to render QR code"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (g *httpGateway) handleWake(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Bot is awake!",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"connected": g.connected(),
	})
}

// startKeepAlive pings the public health endpoint periodically so the
// hosting platform does not idle the process out.
func startKeepAlive(appURL string, logger waLog.Logger, stop <-chan struct{}) {
	if appURL == "" {
		logger.Infof("APP_URL not set, keep-alive pings disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		client := &http.Client{Timeout: 30 * time.Second}
		for {
			select {
			case <-ticker.C:
				resp, err := client.Get(appURL + "/health")
				if err != nil {
					logger.Warnf("⚠️ Keep-alive ping failed: %v", err)
					continue
				}
				resp.Body.Close()
				logger.Infof("🏓 Keep-alive ping sent")
			case <-stop:
				return
			}
		}
	}()
}
