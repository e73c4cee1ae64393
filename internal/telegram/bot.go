package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/runner"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Operations is the operation surface exposed to chat commands.
type Operations interface {
	List() []runner.Session
	Status(opID string) (runner.Session, bool)
	Stop(opID, reason string) error
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	ops     Operations
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, ops Operations) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot: bot,
		ops: ops,
		cfg: cfg,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID

	// Only the operator chat may control operations.
	if chatID != b.cfg.ChatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", chatID)
		return
	}

	reply := b.command(msg.Text)
	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

// command executes one chat command and returns the reply text.
func (b *Bot) command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	// Commands may be addressed as /cmd@botname in groups.
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch cmd {
	case "/ops":
		running := b.ops.List()
		if len(running) == 0 {
			return "No running operations."
		}
		var sb strings.Builder
		for _, s := range running {
			fmt.Fprintf(&sb, "%s  %s  %d/%d steps", s.ID, s.Target, s.Steps, s.MaxSteps)
			if s.ActiveAgent != "" {
				fmt.Fprintf(&sb, "  agent %s", s.ActiveAgent)
			}
			sb.WriteByte('\n')
		}
		return strings.TrimRight(sb.String(), "\n")
	case "/status":
		if len(args) != 1 {
			return "Usage: /status <operation>"
		}
		s, ok := b.ops.Status(args[0])
		if !ok {
			return fmt.Sprintf("Operation %s is not running.", args[0])
		}
		return fmt.Sprintf("%s on %s: %d/%d steps, last active %s",
			s.ID, s.Target, s.Steps, s.MaxSteps, s.LastActive.Format("15:04:05"))
	case "/stop":
		if len(args) < 1 {
			return "Usage: /stop <operation> [reason]"
		}
		reason := strings.Join(args[1:], " ")
		if err := b.ops.Stop(args[0], reason); err != nil {
			if errors.Is(err, runner.ErrUnknownOperation) {
				return fmt.Sprintf("Operation %s is not running.", args[0])
			}
			return fmt.Sprintf("Stop failed: %v", err)
		}
		return fmt.Sprintf("Stopping %s.", args[0])
	default:
		return "Commands: /ops, /status <operation>, /stop <operation> [reason]"
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		_, err := b.bot.SendMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
