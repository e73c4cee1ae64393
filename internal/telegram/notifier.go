package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/emitter"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

const sendTimeout = 10 * time.Second

// Sender delivers a text message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Notifier forwards selected operation events to the operator chat.
type Notifier struct {
	sender Sender
	chatID int64
	types  map[protocol.EventType]bool
}

func NewNotifier(sender Sender, cfg config.TelegramConfig) *Notifier {
	types := make(map[protocol.EventType]bool, len(cfg.Notify))
	for _, t := range cfg.Notify {
		types[protocol.EventType(t)] = true
	}
	return &Notifier{sender: sender, chatID: cfg.ChatID, types: types}
}

// Sink returns the notifier's event sink for one operation.
func (n *Notifier) Sink(opID string) (string, emitter.Sink) {
	return "telegram", &operationSink{notifier: n, opID: opID}
}

type operationSink struct {
	notifier *Notifier
	opID     string
}

func (s *operationSink) Write(e protocol.Event) error {
	events := []protocol.Event{e}
	if e.Type() == protocol.TypeBatch {
		events = e.SubEvents()
	}

	var errs []string
	for _, ev := range events {
		if !s.notifier.types[ev.Type()] {
			continue
		}
		text := formatEvent(s.opID, ev)
		if text == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.notifier.sender.SendMessage(ctx, s.notifier.chatID, text)
		cancel()
		if err != nil {
			slog.Warn("telegram notification failed", "operation", s.opID, "type", ev.Type(), "error", err)
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *operationSink) Close() error { return nil }

func formatEvent(opID string, e protocol.Event) string {
	switch e.Type() {
	case protocol.TypeUserHandoff:
		msg := e.String("message")
		if msg == "" {
			msg = "(no message)"
		}
		return fmt.Sprintf("Operation %s is waiting for you:\n\n%s", opID, msg)
	case protocol.TypeAssessmentComplete:
		return fmt.Sprintf("Operation %s completed after %v of %v steps.", opID, e["steps"], e["max_steps"])
	case protocol.TypeTermination:
		text := fmt.Sprintf("Operation %s stopped (%s) after %v of %v steps.", opID, e.String("reason"), e["steps"], e["max_steps"])
		if msg := e.String("message"); msg != "" {
			text += "\n" + msg
		}
		return text
	case protocol.TypeError:
		return fmt.Sprintf("Operation %s error:\n%s", opID, e.String("content"))
	case protocol.TypeReportContent:
		return fmt.Sprintf("Operation %s report:\n\n%s", opID, e.String("content"))
	default:
		return ""
	}
}
