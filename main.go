package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/term"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

func logLevel() string {
	level := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	switch level {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return level
	}
	return "INFO"
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	adminJID := os.Getenv("ADMIN_JID")
	appURL := os.Getenv("APP_URL")
	serverName := os.Getenv("RENDER_SERVICE_NAME")
	if serverName == "" {
		serverName = "Local"
	}

	color := term.IsTerminal(int(os.Stdout.Fd()))
	level := logLevel()
	logger := waLog.Stdout("Client", level, color)
	logger.Infof("Starting WhatsApp bot...")

	if err := os.MkdirAll("store", 0755); err != nil {
		logger.Errorf("Failed to create store directory: %v", err)
		return
	}

	dbLog := waLog.Stdout("Database", level, color)
	container, err := sqlstore.New(context.Background(), "sqlite3", "file:store/whatsapp.db?_foreign_keys=on", dbLog)
	if err != nil {
		logger.Errorf("Failed to connect to credential store: %v", err)
		return
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		if err == sql.ErrNoRows {
			deviceStore = container.NewDevice()
			logger.Infof("Created new device")
		} else {
			logger.Errorf("Failed to get device: %v", err)
			return
		}
	}

	client := whatsmeow.NewClient(deviceStore, logger)
	if client == nil {
		logger.Errorf("Failed to create WhatsApp client")
		return
	}

	contacts, err := NewContactStore(filepath.Join("data", "contacts.json"), waLog.Stdout("Store", level, color))
	if err != nil {
		logger.Errorf("Failed to initialize contact store: %v", err)
		return
	}

	transport := newWATransport(client, container, logger)
	router := NewCommandRouter(contacts, func() bool {
		return transport.IsConnected() && transport.IsLoggedIn()
	})
	supervisor := NewSessionSupervisor(transport, router, adminJID, serverName, logger)
	transport.BindEvents(supervisor)

	gateway := newHTTPGateway(contacts, supervisor, transport, adminJID, waLog.Stdout("HTTP", level, color))
	go func() {
		if err := http.ListenAndServe(":"+port, gateway.routes()); err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()
	logger.Infof("🌐 Server running on port %s", port)

	stopKeepAlive := make(chan struct{})
	startKeepAlive(appURL, logger, stopKeepAlive)

	supervisor.Start()

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)
	<-exitChan

	logger.Infof("🛑 Termination signal received. Shutting down gracefully...")
	close(stopKeepAlive)
	supervisor.Stop()
}
