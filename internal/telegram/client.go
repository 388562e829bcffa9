// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/retry"
)

// AggregateLookup returns the latest aggregate for a symbol.
type AggregateLookup func(ctx context.Context, symbol string) (models.FlowAggregate, error)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		sender:         bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, lookup AggregateLookup) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message, lookup)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, lookup AggregateLookup) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "flow":
		text = flowReply(ctx, msg.CommandArguments(), lookup)
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ParseMode = "MarkdownV2"
	if _, err := c.sender.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

func flowReply(ctx context.Context, args string, lookup AggregateLookup) string {
	symbol := strings.ToUpper(strings.TrimSpace(args))
	if symbol == "" {
		return escapeMarkdownV2("Usage: /flow SYMBOL")
	}
	if lookup == nil {
		return escapeMarkdownV2("Flow lookup is not available")
	}
	agg, err := lookup(ctx, symbol)
	if err != nil {
		return escapeMarkdownV2(fmt.Sprintf("No flow data for %s", symbol))
	}
	return formatAggregate(&agg)
}

// sendMarkdownV2 sends a MarkdownV2 message, retrying with backoff until the attempts run
// out or ctx is done.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	policy := retry.Policy{MaxAttempts: c.maxRetries, BaseDelay: c.retryDelayBase}
	err := retry.Do(ctx, policy, nil, func() error {
		_, err := c.sender.Send(msg)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		logger.Debug("Telegram send attempt %d failed, retrying in %v: %v", attempt, wait, err)
	})
	if err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	return nil
}

// SendError sends a collection error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Collection error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Collection recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// SendSummary sends the outcome of one collection run.
func (c *Client) SendSummary(ctx context.Context, summary *models.RunSummary) error {
	return c.sendMarkdownV2(ctx, formatSummary(summary))
}

// formatSummary formats a run summary into a Telegram MarkdownV2 message.
func formatSummary(summary *models.RunSummary) string {
	var b strings.Builder
	b.WriteString("📊 *Options Flow*\n")
	b.WriteString(fmt.Sprintf("📅 %s\n\n", escapeMarkdownV2(summary.Started.UTC().Format("2006-01-02 15:04:05 MST"))))

	for _, res := range summary.Results {
		sym := escapeMarkdownV2(res.Symbol)
		switch {
		case res.Status == models.StatusSuccess && res.Aggregate != nil:
			a := res.Aggregate
			emoji := "🟢"
			if a.Sentiment != models.Bullish {
				emoji = "🔴"
			}
			b.WriteString(fmt.Sprintf("%s *%s* %s %s\n", emoji, sym,
				escapeMarkdownV2(a.Sentiment), escapeMarkdownV2(fmt.Sprintf("(%.0f%%)", a.SentimentStrength*100))))
			b.WriteString(fmt.Sprintf("   net Δ·vol %s, ratio %s\n",
				escapeMarkdownV2(humanize.CommafWithDigits(a.NetDeltaVolume, 0)),
				escapeMarkdownV2(formatRatio(a.DeltaRatio))))
		case res.Status.Failed():
			b.WriteString(fmt.Sprintf("⚠️ *%s* `%s`\n", sym, escapeMarkdownV2(res.Message)))
		default:
			b.WriteString(fmt.Sprintf("⏸ *%s* %s\n", sym, escapeMarkdownV2(string(res.Status))))
		}
	}
	return b.String()
}

// formatAggregate formats one aggregate for the /flow reply.
func formatAggregate(a *models.FlowAggregate) string {
	lines := []string{
		fmt.Sprintf("*%s* %s", escapeMarkdownV2(a.Symbol),
			escapeMarkdownV2(time.UnixMilli(a.Timestamp).UTC().Format("2006-01-02 15:04 MST"))),
		escapeMarkdownV2(fmt.Sprintf("Sentiment: %s (%.3f)", a.Sentiment, a.SentimentStrength)),
		escapeMarkdownV2(fmt.Sprintf("Call Δ·vol: %s", humanize.CommafWithDigits(a.CallDeltaVolume, 0))),
		escapeMarkdownV2(fmt.Sprintf("Put Δ·vol: %s", humanize.CommafWithDigits(a.PutDeltaVolume, 0))),
		escapeMarkdownV2(fmt.Sprintf("Net Δ·vol: %s", humanize.CommafWithDigits(a.NetDeltaVolume, 0))),
		escapeMarkdownV2(fmt.Sprintf("Δ ratio: %s", formatRatio(a.DeltaRatio))),
		escapeMarkdownV2(fmt.Sprintf("Volume: %s (P/C %s)", humanize.Comma(a.TotalVolume), formatRatio(a.PutCallRatio))),
		escapeMarkdownV2(fmt.Sprintf("Open interest: %s (P/C %s)", humanize.Comma(a.TotalOpenInterest), formatRatio(a.PutCallOIRatio))),
		escapeMarkdownV2(fmt.Sprintf("Underlying: %.2f", a.UnderlyingPrice)),
	}
	return strings.Join(lines, "\n")
}

func formatRatio(v float64) string {
	if models.IsUndefinedRatio(v) {
		return "∞"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
