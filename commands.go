package main

import (
	"fmt"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

const helpMenu = "🤖 *Bot Help Menu*\n\n" +
	"📍 *Commands List:*\n\n" +
	"1️⃣ /contact - Contact management commands\n" +
	"   • /contact recent - Show recent contacts\n" +
	"   • /contact stats - Show contact statistics\n" +
	"   • /contact delete <id|all> - Delete contacts\n" +
	"   • /contact search <id> - Search for a contact\n\n" +
	"2️⃣ /help - Show this menu"

const contactMenu = "📋 *Contact Command Menu*\n\n" +
	"• /contact recent — Show last 5 contacts\n" +
	"• /contact stats — Contact statistics\n" +
	"• /contact delete <id|all> — Delete specific or all contacts\n" +
	"• /contact search <id> — Search contact by ID"

const fallbackReply = "🤖 I'm a simple bot. Here's what I can do:\n\n" +
	"/help - Show help menu\n" +
	"/contact - Contact commands\n" +
	"/status - Check bot status\n\n" +
	"Try one of these commands!"

// CommandRouter maps normalized inbound text to a reply. It performs no
// I/O; the caller sends whatever Reply returns.
type CommandRouter struct {
	store     *ContactStore
	connected func() bool
	started   time.Time
}

func NewCommandRouter(store *ContactStore, connected func() bool) *CommandRouter {
	return &CommandRouter{store: store, connected: connected, started: time.Now()}
}

// Reply produces the response text for one inbound message.
func (r *CommandRouter) Reply(text string) string {
	cmd := strings.ToLower(strings.TrimSpace(text))
	switch {
	case cmd == "/help":
		return helpMenu
	case cmd == "/status":
		return r.statusReply()
	case strings.HasPrefix(cmd, "/contact"):
		return r.contactReply(cmd)
	default:
		return fallbackReply
	}
}

func (r *CommandRouter) statusReply() string {
	uptime := time.Since(r.started)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	conn := "No"
	if r.connected() {
		conn = "Yes"
	}
	return fmt.Sprintf("🤖 *Bot Status*\n\n✅ Online\n⏱️ Uptime: %dh %dm\n📱 Connected: %s",
		hours, minutes, conn)
}

func (r *CommandRouter) contactReply(cmd string) string {
	parts := strings.Fields(cmd)
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "recent":
		recent := r.store.Recent(5)
		if len(recent) == 0 {
			return "📭 No recent contact data found."
		}
		entries := make([]string, len(recent))
		for i, c := range recent {
			entries[i] = formatContact(c)
		}
		return "📥 *Recent Contacts*\n\n" + strings.Join(entries, "\n\n")

	case "stats":
		total, last := r.store.Stats()
		lastEntry := "None"
		if !last.IsZero() {
			lastEntry = last.Format(timeLayout)
		}
		return fmt.Sprintf("📊 *Contact Stats*\n\n• Total Contacts: %d\n• Last Entry: %s", total, lastEntry)

	case "delete":
		if len(parts) < 3 {
			return "❌ *Usage:* /contact delete <id|all>"
		}
		id := parts[2]
		if id == "all" {
			count := r.store.DeleteAll()
			return fmt.Sprintf("✅ All contacts deleted (%d removed)", count)
		}
		removed, ok := r.store.DeleteByID(id)
		if !ok {
			return fmt.Sprintf("❌ Contact with ID *%s* not found.", id)
		}
		return fmt.Sprintf("🗑️ *Contact Deleted*\n\n🆔 *ID:* %s\n👤 *Name:* %s\n📧 *Email:* %s",
			removed.ID, removed.Name, removed.Email)

	case "search":
		if len(parts) < 3 {
			return "❌ *Usage:* /contact search <id>"
		}
		id := parts[2]
		found, ok := r.store.FindByID(id)
		if !ok {
			return fmt.Sprintf("🔍 Contact with ID *%s* not found.", id)
		}
		return "🔍 *Contact Found*\n\n" + formatContact(found)

	default:
		return contactMenu
	}
}

func formatContact(c Contact) string {
	subject := c.Subject
	if subject == "" {
		subject = "N/A"
	}
	return fmt.Sprintf("🆔 *ID:* %s\n👤 *Name:* %s\n📧 *Email:* %s\n📝 *Subject:* %s\n💬 *Message:* %s\n🕒 *Time:* %s",
		c.ID, c.Name, c.Email, subject, c.Message, c.Timestamp.Format(timeLayout))
}
