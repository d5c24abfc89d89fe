// Package bot is the Telegram front door: it links users to the test web app,
// shows their stored profile and delivers notifications.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/model"
	"github.com/pavelanni/mirror/internal/notify"
)

// UserStore is the persistence the bot needs.
type UserStore interface {
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config holds bot settings.
type Config struct {
	WebAppURL string
	EntryTest string
	Lang      string
}

// Bot handles Telegram updates.
type Bot struct {
	api   *tgbotapi.BotAPI
	out   messenger
	store UserStore
	cfg   Config
}

// New connects to the Telegram Bot API.
func New(token string, st UserStore, cfg Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	slog.Info("authorized on telegram", "account", api.Self.UserName)
	return &Bot{api: api, out: api, store: st, cfg: cfg}, nil
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			slog.Info("bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	lctx := i18n.ForLang(ctx, msg.From.LanguageCode, b.cfg.Lang)

	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "start":
		reply = b.start(lctx, msg)
	case "profile":
		reply = b.profile(lctx, msg)
	default:
		reply = tgbotapi.NewMessage(msg.Chat.ID, i18n.T(lctx, "BotHelp"))
	}

	if _, err := b.out.Send(reply); err != nil {
		slog.Error("failed to send reply", "chat_id", msg.Chat.ID, "command", msg.Command(), "error", err)
	}
}

func (b *Bot) start(ctx context.Context, msg *tgbotapi.Message) tgbotapi.MessageConfig {
	from := msg.From
	if err := b.store.UpsertUser(ctx, userFrom(from)); err != nil {
		slog.Error("failed to record user", "user_id", from.ID, "error", err)
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, i18n.Td(ctx, "BotWelcome", map[string]any{"Name": from.FirstName}))
	if b.cfg.WebAppURL != "" {
		link := notify.EntryLink(b.cfg.WebAppURL, b.cfg.EntryTest, from.ID, map[string]string{
			"username":   from.UserName,
			"first_name": from.FirstName,
		})
		reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(i18n.T(ctx, "BotStartButton"), link)),
		)
	}
	return reply
}

func (b *Bot) profile(ctx context.Context, msg *tgbotapi.Message) tgbotapi.MessageConfig {
	u, err := b.store.GetUser(ctx, msg.From.ID)
	if err != nil {
		slog.Error("failed to load profile", "user_id", msg.From.ID, "error", err)
	}
	return tgbotapi.NewMessage(msg.Chat.ID, FormatProfile(ctx, u))
}

// Send implements notify.Sender.
func (b *Bot) Send(_ context.Context, chatID int64, text string, button *notify.Button) error {
	m := tgbotapi.NewMessage(chatID, text)
	if button != nil {
		m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(button.Text, button.URL)),
		)
	}
	_, err := b.out.Send(m)
	return err
}

var (
	perceptionLabels = map[string]string{"visual": "VakVisual", "audial": "VakAudial", "kinesthetic": "VakKinesthetic"}
	stressLabels     = map[string]string{"fight": "StressFight", "flight": "StressFlight", "freeze": "StressFreeze"}
	decisionLabels   = map[string]string{
		"logical":    "DecisionLogical",
		"emotional":  "DecisionEmotional",
		"impulsive":  "DecisionImpulsive",
		"deliberate": "DecisionDeliberate",
	}
)

// FormatProfile renders a user's derived profile for chat. A user without
// any completed analysis gets the "no tests yet" text.
func FormatProfile(ctx context.Context, u *model.User) string {
	if u == nil || u.Profile.Raw == nil {
		return i18n.T(ctx, "BotNoProfile")
	}
	p := u.Profile

	tags := "—"
	if len(p.PersonalityTags) > 0 {
		tags = strings.Join(p.PersonalityTags, ", ")
	}

	lines := []string{
		i18n.T(ctx, "BotProfileTitle"),
		"",
		i18n.Td(ctx, "BotProfilePerception", map[string]any{"Value": label(ctx, perceptionLabels, p.PerceptionType)}),
		i18n.Td(ctx, "BotProfileStress", map[string]any{"Value": label(ctx, stressLabels, p.StressResponse)}),
		i18n.Td(ctx, "BotProfileDecision", map[string]any{"Value": label(ctx, decisionLabels, p.DecisionStyle)}),
		i18n.Td(ctx, "BotProfileTags", map[string]any{"Value": tags}),
	}
	return strings.Join(lines, "\n")
}

// label localizes a known value, passes unknown values through and reports
// absent ones as not determined.
func label(ctx context.Context, ids map[string]string, v *string) string {
	if v == nil || *v == "" {
		return i18n.T(ctx, "BotProfileUnknown")
	}
	if id, ok := ids[strings.ToLower(*v)]; ok {
		return i18n.T(ctx, id)
	}
	return *v
}

func userFrom(from *tgbotapi.User) model.User {
	u := model.User{ID: from.ID}
	if from.UserName != "" {
		u.Username = &from.UserName
	}
	if from.FirstName != "" {
		u.FirstName = &from.FirstName
	}
	if from.LastName != "" {
		u.LastName = &from.LastName
	}
	return u
}
