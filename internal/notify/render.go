package notify

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Rendered is a ready-to-send mail body.
type Rendered struct {
	Subject string
	Body    string
}

// Renderer turns outbox messages into mail text.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded templates. Numbers are formatted for tag.
func NewRenderer(tag language.Tag) (*Renderer, error) {
	printer := message.NewPrinter(tag)
	funcs := template.FuncMap{
		"qty": func(n int) string {
			return printer.Sprintf("%d", n)
		},
		"money": func(d decimal.Decimal) string {
			return printer.Sprintf("%.2f", d.Round(2).InexactFloat64())
		},
		"when": func(t *time.Time) string {
			if t == nil {
				return "soon"
			}
			return "on " + t.UTC().Format("2006-01-02 15:04") + " UTC"
		},
	}
	tmpl, err := template.New("notify").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("notify: parse templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type view struct {
	Label   string
	Payload Payload
}

// Render produces subject and body for msg.
func (r *Renderer) Render(msg Message) (Rendered, error) {
	name := fmt.Sprintf("%s_%s.tmpl", msg.Recipient, msg.NewState)
	if r.tmpl.Lookup(name) == nil {
		return Rendered{}, fmt.Errorf("notify: no template for %s/%s", msg.Recipient, msg.NewState)
	}
	label := orderLabel(msg.OrderType)
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, view{Label: label, Payload: msg.Payload}); err != nil {
		return Rendered{}, fmt.Errorf("notify: render %s: %w", name, err)
	}
	return Rendered{Subject: subject(label, msg), Body: buf.String()}, nil
}

func orderLabel(orderType string) string {
	if orderType == "reorder" {
		return "Reorder"
	}
	return "Purchase order"
}

func subject(label string, msg Message) string {
	number := msg.Payload.OrderNumber
	switch msg.NewState {
	case StateCreated:
		return fmt.Sprintf("%s %s awaiting your confirmation", label, number)
	case StateReminder:
		return fmt.Sprintf("Reminder: %s %s awaiting your confirmation", label, number)
	default:
		return fmt.Sprintf("%s %s %s", label, number, msg.NewState)
	}
}
