package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

var errSendTimeout = errors.New("telegram did not answer in time")

type command struct {
	name    string
	mention string
	args    []string
}

// parseCommand splits "/cmd@bot arg1 arg2" into its parts
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return command{}, false
	}

	name, mention, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")

	return command{name: strings.ToLower(name), mention: mention, args: fields[1:]}, true
}

// addressedToUs is false for commands explicitly meant for another bot
func (b *Bot) addressedToUs(cmd command) bool {
	return cmd.mention == "" || b.username == "" || strings.EqualFold(cmd.mention, b.username)
}

// sendMessage sends plain text with the shared retry policy and logs a final failure
func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) {
	if err := b.send(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Error("bot: Failed to send message", "error", err, "chat_id", chatID, "text_length", len(text))
	}
}

// send is the single outbound path. Rate limit answers wait for the advertised delay before the next attempt.
func (b *Bot) send(ctx context.Context, message *telego.SendMessageParams) error {
	err := b.cfg.Retry.Do(ctx, "send message", func(ctx context.Context) error {
		err := b.withTimeout(ctx, func() error {
			_, err := b.api.SendMessage(message)
			return err
		})
		if err == nil {
			return nil
		}

		if wait := retryAfter(err); wait > 0 {
			slog.Debug("bot: API error", "error", err.Error())
			slog.Info("bot: Rate limit hit, waiting", "seconds", wait.Seconds())

			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}

		return err
	})
	if err != nil {
		return err
	}

	slog.Debug("bot: Message sent successfully", "chat_id", message.ChatID.ID)

	return nil
}

// withTimeout bounds an API call that takes no context
func (b *Bot) withTimeout(ctx context.Context, call func() error) error {
	if b.cfg.SendTimeout <= 0 {
		return call()
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errSendTimeout, ctx.Err())
	}
}

// retryAfter extracts the delay Telegram asked for on a 429 answer
func retryAfter(err error) time.Duration {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return time.Duration(apiErr.Parameters.RetryAfter) * time.Second
	}

	// Format: "telego: sendMessage(): api: 429 \"Too Many Requests: retry after 5\", migrate to chat ID: 0, retry after: 5"
	if !strings.Contains(err.Error(), "Too Many Requests") {
		return 0
	}
	parts := strings.Split(err.Error(), "retry after: ")
	if len(parts) != 2 {
		return 0
	}
	var seconds int
	if _, _ = fmt.Sscanf(parts[1], "%d", &seconds); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return 0
}

// isRetryableSendError treats rate limits, server errors and transport failures as transient.
// Client errors such as a blocked bot or an unknown chat are final.
func isRetryableSendError(err error) bool {
	if errors.Is(err, errSendTimeout) {
		return true
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == 429 || apiErr.ErrorCode >= 500
	}
	if retryAfter(err) > 0 {
		return true
	}

	return !strings.Contains(err.Error(), "api: ")
}

// createInlineKeyboard builds one button per row for a list of choices
func createInlineKeyboard(buttons []choice) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, c := range buttons {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(c.label).WithCallbackData(c.data),
		))
	}

	return tu.InlineKeyboard(rows...)
}

type choice struct {
	label string
	data  string
}

func systemLabel(s storage.ChatSystem) string {
	if s.Title != "" {
		return s.Title
	}
	return fmt.Sprintf("Channel %d", s.ChannelID)
}

func eventLabel(e storage.Event) string {
	return fmt.Sprintf("%s (%s)", e.Title, e.StartAt.In(e.Location()).Format("Jan 2 15:04"))
}

// formatEvent renders an event the way it is shown in chats
func formatEvent(e storage.Event) string {
	var sb strings.Builder

	sb.WriteString(e.Title)
	sb.WriteString("\nWhen: ")
	sb.WriteString(formatDate(e.StartAt.In(e.Location())))
	sb.WriteString("\nDuration: ")
	sb.WriteString(formatDuration(e.EndAt.Sub(e.StartAt)))
	if e.Description != "" {
		sb.WriteString("\nDescription: ")
		sb.WriteString(e.Description)
	}
	if hosts := formatHosts(e.Hosts); hosts != "" {
		sb.WriteString("\nHosts: ")
		sb.WriteString(hosts)
	}

	return sb.String()
}

func formatHosts(hosts []storage.User) string {
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h.Username != "" {
			names = append(names, "@"+h.Username)
		} else {
			names = append(names, fmt.Sprintf("user %d", h.TelegramID))
		}
	}
	return strings.Join(names, ", ")
}

func formatEventList(list []storage.Event) string {
	if len(list) == 0 {
		return msgNoUpcomingEvents
	}

	parts := make([]string, 0, len(list))
	for _, e := range list {
		parts = append(parts, "----Event----\n"+formatEvent(e))
	}

	return "Upcoming Events:\n\n" + strings.Join(parts, "\n\n")
}

// formatDate renders "15:04 MST, Saturday, June 1st"
func formatDate(t time.Time) string {
	return fmt.Sprintf("%s, %s %d%s", t.Format("15:04 MST, Monday"), t.Month(), t.Day(), daySuffix(t.Day()))
}

func daySuffix(day int) string {
	switch day {
	case 1, 21, 31:
		return "st"
	case 2, 22:
		return "nd"
	case 3, 23:
		return "rd"
	default:
		return "th"
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 7*24*time.Hour:
		return plural(int(d/(7*24*time.Hour)), "Week")
	case d >= 24*time.Hour:
		return plural(int(d/(24*time.Hour)), "Day")
	case d >= time.Hour:
		return plural(int(d/time.Hour), "Hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "Minute")
	default:
		return "No time"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
