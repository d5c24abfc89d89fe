// Package notify delivers the deferred result notifications queued by the
// analysis pipeline.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/model"
)

// Button is a single link attached to an outgoing message.
type Button struct {
	Text string
	URL  string
}

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, button *Button) error
}

// Queue is the durable notification outbox.
type Queue interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]model.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	MarkNotificationFailed(ctx context.Context, id int64, reason string) error
}

// Options tunes the dispatcher.
type Options struct {
	// Poll is how often the outbox is checked.
	Poll time.Duration
	// Batch caps the notifications sent per poll.
	Batch int
	// WebAppURL and EntryTest build the button back to the test.
	WebAppURL string
	EntryTest string
	// Lang selects the message language.
	Lang string
}

const (
	DefaultPoll  = 30 * time.Second
	DefaultBatch = 20
	sendTimeout  = 15 * time.Second
)

// Dispatcher periodically sends due notifications. Each notification is
// attempted once; failures are recorded and logged.
type Dispatcher struct {
	queue  Queue
	sender Sender
	opts   Options
	sched  *gocron.Scheduler
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over the outbox and sender.
func NewDispatcher(q Queue, s Sender, opts Options) *Dispatcher {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	return &Dispatcher{
		queue:  q,
		sender: s,
		opts:   opts,
		sched:  gocron.NewScheduler(time.UTC),
		now:    time.Now,
	}
}

// Start schedules the outbox poll and returns immediately.
func (d *Dispatcher) Start() error {
	_, err := d.sched.Every(d.opts.Poll).SingletonMode().Do(func() {
		if _, err := d.DispatchDue(context.Background()); err != nil {
			slog.Error("notification dispatch failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule dispatcher: %w", err)
	}
	d.sched.StartAsync()
	slog.Info("notification dispatcher started", "poll", d.opts.Poll)
	return nil
}

// Stop halts the scheduler.
func (d *Dispatcher) Stop() {
	d.sched.Stop()
}

// DispatchDue sends every due notification once and returns how many were
// delivered.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	due, err := d.queue.DueNotifications(ctx, d.now(), d.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("load due notifications: %w", err)
	}

	lctx := i18n.ForLang(ctx, d.opts.Lang)
	sent := 0
	for _, n := range due {
		text := FormatMessage(lctx, n.Payload, d.now())
		button := &Button{
			Text: i18n.T(lctx, "NotifyButton"),
			URL:  EntryLink(d.opts.WebAppURL, d.opts.EntryTest, n.ChatID, nil),
		}
		if d.opts.WebAppURL == "" {
			button = nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := d.sender.Send(sendCtx, n.ChatID, text, button)
		cancel()
		if err != nil {
			slog.Error("notification not delivered", "id", n.ID, "session_id", n.SessionID, "chat_id", n.ChatID, "error", err)
			if err := d.queue.MarkNotificationFailed(ctx, n.ID, err.Error()); err != nil {
				slog.Error("failed to record notification failure", "id", n.ID, "error", err)
			}
			continue
		}
		if err := d.queue.MarkNotificationSent(ctx, n.ID); err != nil {
			slog.Error("failed to record notification delivery", "id", n.ID, "error", err)
			continue
		}
		sent++
		slog.Info("notification sent", "id", n.ID, "session_id", n.SessionID, "chat_id", n.ChatID)
	}
	return sent, nil
}

// FormatMessage renders a notification from the user-facing analysis payload:
// title, short summary, first strength, first blind spot and the date.
func FormatMessage(ctx context.Context, payload map[string]any, at time.Time) string {
	var lines []string
	title, _ := payload["title"].(string)
	lines = append(lines, i18n.Td(ctx, "NotifyHeader", map[string]any{"Title": strings.TrimSpace(title)}))

	if summary, ok := payload["short_summary"].(string); ok && strings.TrimSpace(summary) != "" {
		lines = append(lines, "", strings.TrimSpace(summary))
	}

	var extra []string
	if s := firstItem(payload["strengths"]); s != "" {
		extra = append(extra, i18n.Td(ctx, "NotifyStrength", map[string]any{"Value": s}))
	}
	if s := firstItem(payload["blind_spots"]); s != "" {
		extra = append(extra, i18n.Td(ctx, "NotifyBlindSpot", map[string]any{"Value": s}))
	}
	if len(extra) > 0 {
		lines = append(lines, "")
		lines = append(lines, extra...)
	}

	lines = append(lines, "", i18n.Td(ctx, "NotifyDate", map[string]any{"Date": at.Format("02.01.2006")}))
	return strings.Join(lines, "\n")
}

func firstItem(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// EntryLink builds the web-app URL that opens a test for a user. Names are
// optional and only added when non-empty.
func EntryLink(base, slug string, userID int64, names map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("test", slug)
	q.Set("user_id", fmt.Sprint(userID))
	for _, k := range []string{"username", "first_name"} {
		if v := names[k]; v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
