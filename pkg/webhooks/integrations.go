package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Blocks      []SlackBlock      `json:"blocks,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackBlock represents a Slack block
type SlackBlock struct {
	Type string          `json:"type"`
	Text *SlackBlockText `json:"text,omitempty"`
}

// SlackBlockText represents text in a Slack block
type SlackBlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityImage    string      `json:"activityImage,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Text             string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormatSlackMessage formats an event as a Slack message
func FormatSlackMessage(event *Event) SlackMessage {
	color := getEventColor(event.Type)
	title := getEventTitle(event.Type)

	fields := []SlackField{
		{Title: "Event Type", Value: string(event.Type), Short: true},
		{Title: "Event ID", Value: event.ID, Short: true},
		{Title: "Timestamp", Value: event.Timestamp.Format("2006-01-02 15:04:05"), Short: true},
	}

	// Add event-specific fields
	if tenant, ok := event.Data["tenant"].(string); ok {
		fields = append(fields, SlackField{Title: "Tenant", Value: tenant, Short: true})
	}
	if product, ok := event.Data["product"].(string); ok {
		fields = append(fields, SlackField{Title: "Product", Value: product, Short: true})
	}
	if provider, ok := event.Data["provider"].(string); ok {
		fields = append(fields, SlackField{Title: "Provider", Value: provider, Short: true})
	}
	if message, ok := event.Data["message"].(string); ok {
		fields = append(fields, SlackField{Title: "Message", Value: message, Short: false})
	}

	return SlackMessage{
		Attachments: []SlackAttachment{
			{
				Color:  color,
				Title:  title,
				Fields: fields,
			},
		},
	}
}

// FormatTeamsMessage formats an event as a Microsoft Teams message
func FormatTeamsMessage(event *Event) TeamsMessage {
	themeColor := getEventThemeColor(event.Type)
	title := getEventTitle(event.Type)

	facts := []TeamsFact{
		{Name: "Event Type", Value: string(event.Type)},
		{Name: "Event ID", Value: event.ID},
		{Name: "Timestamp", Value: event.Timestamp.Format("2006-01-02 15:04:05")},
	}

	// Add event-specific facts
	if tenant, ok := event.Data["tenant"].(string); ok {
		facts = append(facts, TeamsFact{Name: "Tenant", Value: tenant})
	}
	if product, ok := event.Data["product"].(string); ok {
		facts = append(facts, TeamsFact{Name: "Product", Value: product})
	}
	if provider, ok := event.Data["provider"].(string); ok {
		facts = append(facts, TeamsFact{Name: "Provider", Value: provider})
	}

	var text string
	if message, ok := event.Data["message"].(string); ok {
		text = message
	}

	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    title,
		Title:      title,
		ThemeColor: themeColor,
		Sections: []TeamsSection{
			{
				Facts: facts,
				Text:  text,
			},
		},
	}
}

// SendSlackNotification sends a notification to a Slack webhook
func SendSlackNotification(ctx context.Context, webhookURL string, event *Event) error {
	message := FormatSlackMessage(event)
	return sendJSON(ctx, webhookURL, message)
}

// SendTeamsNotification sends a notification to a Microsoft Teams webhook
func SendTeamsNotification(ctx context.Context, webhookURL string, event *Event) error {
	message := FormatTeamsMessage(event)
	return sendJSON(ctx, webhookURL, message)
}

// sendJSON sends a JSON payload to a URL
func sendJSON(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}

// getEventColor returns the Slack color for an event type
func getEventColor(eventType EventType) string {
	switch eventType {
	case EventConnectionCreated, EventConnectionActivated, EventLogoutCompleted:
		return "good" // Green
	case EventConnectionDeleted, EventLoginFailed:
		return "danger" // Red
	case EventConnectionDeactivated, EventCertsRotated:
		return "warning" // Yellow
	default:
		return "#439FE0" // Blue
	}
}

// getEventThemeColor returns the Teams theme color for an event type
func getEventThemeColor(eventType EventType) string {
	switch eventType {
	case EventConnectionCreated, EventConnectionActivated, EventLogoutCompleted:
		return "28a745" // Green
	case EventConnectionDeleted, EventLoginFailed:
		return "dc3545" // Red
	case EventConnectionDeactivated, EventCertsRotated:
		return "ffc107" // Yellow
	default:
		return "007bff" // Blue
	}
}

// getEventTitle returns a human-readable title for an event type
func getEventTitle(eventType EventType) string {
	switch eventType {
	case EventConnectionCreated:
		return "Connection Created"
	case EventConnectionUpdated:
		return "Connection Updated"
	case EventConnectionDeleted:
		return "Connection Deleted"
	case EventConnectionActivated:
		return "Connection Activated"
	case EventConnectionDeactivated:
		return "Connection Deactivated"
	case EventCertsRotated:
		return "Signing Certificates Rotated"
	case EventLoginFailed:
		return "Login Failed"
	case EventLogoutCompleted:
		return "Logout Completed"
	default:
		return string(eventType)
	}
}
