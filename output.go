package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"portal-client/internal/logging"
	"portal-client/internal/portal"
	"portal-client/internal/realtime"
)

var (
	stampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	senderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("117"))
	channelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	eventStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
)

func formatUser(user portal.User) string {
	line := senderStyle.Render(user.Name) + " <" + user.Email + ">"
	if user.Role != "" {
		line += " " + stampStyle.Render(user.Role)
	}
	return line
}

func formatMessage(message portal.Message) string {
	stamp := "--:--"
	if !message.CreatedAt.IsZero() {
		stamp = message.CreatedAt.Local().Format(time.DateTime)
	}
	return fmt.Sprintf("%s %s %s",
		stampStyle.Render(stamp),
		senderStyle.Render("#"+strconv.FormatInt(message.SenderID, 10)),
		message.Body,
	)
}

// formatEvent prints chat messages as message lines and anything else as
// the event name followed by its payload.
func formatEvent(ev realtime.Event) string {
	if ev.Name == portal.MessageSentEvent {
		if message, err := portal.DecodeMessageEvent(ev); err == nil {
			return channelStyle.Render(ev.Channel) + " " + formatMessage(message)
		}
	}
	return channelStyle.Render(ev.Channel) + " " + eventStyle.Render(ev.Name) + "\n" + logging.FormatHTTPPayload(ev.Data)
}
