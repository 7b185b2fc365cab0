package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cdiperi/datacompass/internal/events"
)

type Message struct {
	Subject string
	Body    string
}

var defaultTemplates = map[string]string{
	events.TypeBreachDetected: "Quality breach on object {{.object_id}}: expectation {{.expectation_id}} is {{.direction}} by {{printf \"%.2f\" .deviation_percent}}%.",
	events.TypeBreachResolved: "Quality breach on object {{.object_id}} resolved: expectation {{.expectation_id}} is back within bounds.",
	events.TypeBreachClosed:   "Quality breach on object {{.object_id}} closed by {{.actor}}.",
}

const fallbackTemplate = "Data-quality event {{.event_type}} for expectation {{.expectation_id}}."

// Render produces the message for an event, using the rule's template
// override when set, else the default for the event type.
func Render(rule Rule, evt events.Event) (Message, error) {
	text := rule.Template
	if text == "" {
		text = defaultTemplates[evt.Type]
	}
	if text == "" {
		text = fallbackTemplate
	}
	tmpl, err := template.New("notification").Option("missingkey=zero").Parse(text)
	if err != nil {
		return Message{}, fmt.Errorf("parse template for rule %s: %w", rule.ID, err)
	}
	data := map[string]any{
		"event_type":  evt.Type,
		"occurred_at": evt.OccurredAt.Format(time.RFC3339),
	}
	for k, v := range evt.Payload {
		data[k] = v
	}
	var body strings.Builder
	if err := tmpl.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render template for rule %s: %w", rule.ID, err)
	}
	return Message{
		Subject: fmt.Sprintf("[datacompass] %s", evt.Type),
		Body:    body.String(),
	}, nil
}
