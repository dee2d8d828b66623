package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatkeeper/internal/dispatch"
	"github.com/ashureev/chatkeeper/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	// Channel is the transport name recorded with each turn.
	Channel = "telegram"

	maxInFlight    = 16
	sendTimeout    = 15 * time.Second
	minPollBackoff = time.Second
	maxPollBackoff = 30 * time.Second
)

// Bot is the subset of the Bot API the poller needs.
type Bot interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, alert bool) error
	SetMyCommands(ctx context.Context, commands []BotCommand) error
}

// Poller feeds Telegram updates to the dispatcher. Updates of one Telegram
// user are handled in arrival order and different users run concurrently.
type Poller struct {
	bot         Bot
	dispatcher  *dispatch.Dispatcher
	pollTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	tails map[int64]chan struct{}
}

// NewPoller creates a Poller.
func NewPoller(bot Bot, d *dispatch.Dispatcher, pollTimeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		bot:         bot,
		dispatcher:  d,
		pollTimeout: pollTimeout,
		logger:      logger.With("transport", Channel),
		tails:       make(map[int64]chan struct{}),
	}
}

// UserID maps a Telegram account to a store user ID.
func UserID(telegramID int64) string {
	return "tg:" + strconv.FormatInt(telegramID, 10)
}

// Run polls until ctx is cancelled, then waits for in-flight updates.
func (p *Poller) Run(ctx context.Context) error {
	commands := make([]BotCommand, 0, len(dispatch.Commands()))
	for _, c := range dispatch.Commands() {
		commands = append(commands, BotCommand{Command: c.Command, Description: c.Description})
	}
	if err := p.bot.SetMyCommands(ctx, commands); err != nil {
		p.logger.Warn("Failed to register bot commands", "error", err)
	}

	var g errgroup.Group
	g.SetLimit(maxInFlight)
	defer func() {
		_ = g.Wait()
		p.logger.Info("Telegram poller stopped")
	}()

	p.logger.Info("Telegram poller started", "poll_timeout", p.pollTimeout)
	var offset int64
	backoff := minPollBackoff
	for {
		updates, err := p.bot.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("getUpdates failed, backing off", "error", err, "delay", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = minPollBackoff

		for _, u := range updates {
			offset = u.UpdateID + 1
			p.enqueue(ctx, &g, u)
		}
	}
}

// enqueue starts u after the previous update of the same sender finished.
// It must be called from the poll loop only, which fixes the order.
func (p *Poller) enqueue(ctx context.Context, g *errgroup.Group, u Update) {
	sender, ok := senderID(u)
	if !ok {
		p.logger.Debug("Ignoring update", "update_id", u.UpdateID)
		return
	}

	done := make(chan struct{})
	p.mu.Lock()
	prev := p.tails[sender]
	p.tails[sender] = done
	p.mu.Unlock()

	g.Go(func() error {
		defer func() {
			close(done)
			p.mu.Lock()
			if p.tails[sender] == done {
				delete(p.tails, sender)
			}
			p.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		if u.CallbackQuery != nil {
			p.handleCallback(ctx, u.CallbackQuery)
		} else {
			p.handleMessage(ctx, u.Message)
		}
		return nil
	})
}

func senderID(u Update) (int64, bool) {
	switch {
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From.ID, true
	case u.Message != nil && u.Message.From != nil && u.Message.Text != "":
		return u.Message.From.ID, true
	}
	return 0, false
}

func (p *Poller) handleMessage(ctx context.Context, msg *Message) {
	from := msg.From
	reply := p.dispatcher.HandleText(ctx, dispatch.Inbound{
		Channel: Channel,
		UserID:  UserID(from.ID),
		Text:    msg.Text,
		Meta: domain.UserMetadata{
			Username:  from.Username,
			FirstName: from.FirstName,
			LastName:  from.LastName,
		},
	})
	if reply.Text == "" {
		return
	}

	sendCtx, cancel := detached(ctx)
	defer cancel()
	if err := p.bot.SendMessage(sendCtx, msg.Chat.ID, reply.Text, keyboard(reply.Buttons)); err != nil {
		p.logger.Error("Failed to send reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (p *Poller) handleCallback(ctx context.Context, cq *CallbackQuery) {
	reply := p.dispatcher.HandleAction(ctx, UserID(cq.From.ID), cq.Data)

	sendCtx, cancel := detached(ctx)
	defer cancel()
	if err := p.bot.AnswerCallbackQuery(sendCtx, cq.ID, reply.Notice, reply.Alert); err != nil {
		p.logger.Warn("Failed to answer callback query", "error", err)
	}
	if reply.Text == "" || cq.Message == nil {
		return
	}

	chatID := cq.Message.Chat.ID
	markup := keyboard(reply.Buttons)
	if reply.Edit {
		err := p.bot.EditMessageText(sendCtx, chatID, cq.Message.MessageID, reply.Text, markup)
		var apiErr *APIError
		if err == nil || (errors.As(err, &apiErr) && apiErr.NotModified()) {
			return
		}
		p.logger.Warn("Failed to edit message, sending instead", "chat_id", chatID, "error", err)
	}
	if err := p.bot.SendMessage(sendCtx, chatID, reply.Text, markup); err != nil {
		p.logger.Error("Failed to send reply", "chat_id", chatID, "error", err)
	}
}

// detached lets a reply go out after shutdown cancelled ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
}

func keyboard(rows [][]dispatch.Button) *InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			r = append(r, InlineKeyboardButton{Text: b.Text, CallbackData: b.Action})
		}
		out = append(out, r)
	}
	return &InlineKeyboardMarkup{InlineKeyboard: out}
}
