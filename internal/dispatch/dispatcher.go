package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/session"
)

// Inbound is one text message from a transport.
type Inbound struct {
	Channel string
	UserID  string
	Text    string
	Meta    domain.UserMetadata
}

// Dispatcher maps transport events to session operations and picks the
// user-visible text for every outcome.
type Dispatcher struct {
	sessions *session.Manager
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(sessions *session.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sessions: sessions, logger: logger}
}

// HandleText handles a text message: slash commands, a pending dialog action
// or an ordinary turn.
func (d *Dispatcher) HandleText(ctx context.Context, in Inbound) Reply {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Reply{}
	}

	if name, arg, ok := parseSlash(text); ok {
		if reply, handled := d.handleSlash(ctx, in, name, arg); handled {
			return reply
		}
		d.sessions.Dialogs().Reset(in.UserID)
		return d.turn(ctx, in)
	}

	state := d.sessions.Dialogs().Take(in.UserID)
	switch state.Kind {
	case domain.DialogAwaitingNewChatName:
		return d.createChat(ctx, in.UserID, text)
	case domain.DialogAwaitingRenameTarget:
		return d.renameChat(ctx, in.UserID, state.ChatID, text)
	}
	return d.turn(ctx, in)
}

// handleSlash runs a known command. Unknown commands are not handled and
// fall through to the assistant.
func (d *Dispatcher) handleSlash(ctx context.Context, in Inbound, name, arg string) (Reply, bool) {
	var reply Reply
	switch name {
	case "start":
		reply = d.start(ctx, in)
	case "help":
		reply = Reply{Text: textHelp}
	case "think":
		reply = d.toggleReasoning(ctx, in.UserID, false)
	case "refine":
		reply = d.toggleRefine(ctx, in.UserID)
	case "model":
		reply = d.modelMenu(ctx, in.UserID)
	case "chats":
		reply = d.chatList(ctx, in.UserID)
	case "new":
		if arg == "" {
			d.sessions.Dialogs().BeginNewChat(in.UserID)
			return Reply{Text: textAskNewChatName}, true
		}
		reply = d.createChat(ctx, in.UserID, arg)
	default:
		return Reply{}, false
	}
	d.sessions.Dialogs().Reset(in.UserID)
	return reply, true
}

// HandleAction handles encoded button action data.
func (d *Dispatcher) HandleAction(ctx context.Context, userID, data string) Reply {
	cmd, err := DecodeCommand(data)
	if err != nil {
		d.logger.Warn("Rejected action", "user_id", userID, "error", err)
		return Reply{Notice: textGenericError, Alert: true}
	}
	return d.HandleCommand(ctx, userID, cmd)
}

// HandleCommand handles an already decoded button action.
func (d *Dispatcher) HandleCommand(ctx context.Context, userID string, cmd Command) Reply {
	switch cmd.Kind {
	case CmdNewChat:
		d.sessions.Dialogs().BeginNewChat(userID)
		return Reply{Text: textAskNewChatName, Edit: true}
	case CmdBack:
		return d.editedList(ctx, userID, "")
	case CmdSelectModel:
		return d.selectModel(ctx, userID, cmd.Model)
	case CmdToggleReasoning:
		return d.toggleReasoning(ctx, userID, true)
	}

	if _, err := d.sessions.Chat(ctx, userID, cmd.ChatID); err != nil {
		return d.chatActionFailed(ctx, userID, cmd, err)
	}

	var (
		op     func(context.Context, string, int64) error
		notice string
	)
	switch cmd.Kind {
	case CmdShowChat:
		return chatActionsReply(cmd.ChatID)
	case CmdRename:
		d.sessions.Dialogs().BeginRename(userID, cmd.ChatID)
		return Reply{Text: textAskRename, Edit: true}
	case CmdActivate:
		op, notice = d.sessions.ActivateChat, noticeActivated
	case CmdClear:
		op, notice = d.sessions.ClearChat, noticeCleared
	case CmdDelete:
		op, notice = d.sessions.DeleteChat, noticeDeleted
	default:
		d.logger.Warn("Unhandled command", "user_id", userID, "kind", int(cmd.Kind))
		return Reply{Notice: textGenericError, Alert: true}
	}
	if err := op(ctx, userID, cmd.ChatID); err != nil {
		return d.chatActionFailed(ctx, userID, cmd, err)
	}
	return d.editedList(ctx, userID, notice)
}

func (d *Dispatcher) chatActionFailed(ctx context.Context, userID string, cmd Command, err error) Reply {
	if session.IsNotFound(err) {
		d.logger.Warn("Chat action on missing chat", "user_id", userID, "chat_id", cmd.ChatID)
		return d.editedList(ctx, userID, noticeNotFound)
	}
	d.logger.Error("Chat action failed", "user_id", userID, "chat_id", cmd.ChatID, "error", err)
	return Reply{Notice: textGenericError, Alert: true}
}

func (d *Dispatcher) start(ctx context.Context, in Inbound) Reply {
	user, _, err := d.sessions.Start(ctx, in.UserID, in.Meta)
	if err != nil {
		d.logger.Error("Start failed", "user_id", in.UserID, "error", err)
		return Reply{Text: textStartError}
	}
	name := in.Meta.FirstName
	if name == "" {
		name = user.FirstName
	}
	return Reply{Text: greeting(name)}
}

func (d *Dispatcher) turn(ctx context.Context, in Inbound) Reply {
	turn, err := d.sessions.HandleUserMessageVia(ctx, in.Channel, in.UserID, in.Text)
	if err != nil {
		d.logger.Error("Turn failed", "user_id", in.UserID, "channel", in.Channel, "error", err)
		return Reply{Text: textApology}
	}
	return Reply{Text: turn.Reply}
}

// toggleReasoning flips reasoning mode. Button presses get a short edited text.
func (d *Dispatcher) toggleReasoning(ctx context.Context, userID string, fromButton bool) Reply {
	enabled, err := d.sessions.ToggleReasoningMode(ctx, userID)
	if err != nil {
		d.logger.Error("Toggle reasoning failed", "user_id", userID, "error", err)
		return Reply{Text: textModeError}
	}
	switch {
	case fromButton && enabled:
		return Reply{Text: textReasoningOnShort, Edit: true}
	case fromButton:
		return Reply{Text: textReasoningOffShort, Edit: true}
	case enabled:
		return Reply{Text: textReasoningOn}
	}
	return Reply{Text: textReasoningOff}
}

func (d *Dispatcher) toggleRefine(ctx context.Context, userID string) Reply {
	enabled, err := d.sessions.ToggleRefineMode(ctx, userID)
	if err != nil {
		d.logger.Error("Toggle refine failed", "user_id", userID, "error", err)
		return Reply{Text: textModeError}
	}
	if enabled {
		return Reply{Text: textRefineOn}
	}
	return Reply{Text: textRefineOff}
}

func (d *Dispatcher) modelMenu(ctx context.Context, userID string) Reply {
	models, current, err := d.sessions.Models(ctx, userID)
	if err != nil {
		d.logger.Error("List models failed", "user_id", userID, "error", err)
		return Reply{Text: textModelListError}
	}
	return modelMenuReply(models, current)
}

func (d *Dispatcher) selectModel(ctx context.Context, userID, model string) Reply {
	if err := d.sessions.SelectModel(ctx, userID, model); err != nil {
		d.logger.Warn("Select model failed", "user_id", userID, "model", model, "error", err)
		return Reply{Notice: textModelError, Alert: true}
	}
	models, _, err := d.sessions.Models(ctx, userID)
	if err != nil {
		return Reply{Notice: fmt.Sprintf(noticeModelFmt, model)}
	}
	reply := modelMenuReply(models, model)
	reply.Edit = true
	reply.Notice = fmt.Sprintf(noticeModelFmt, model)
	return reply
}

func (d *Dispatcher) chatList(ctx context.Context, userID string) Reply {
	chats, err := d.sessions.ListChats(ctx, userID)
	if err != nil {
		d.logger.Error("List chats failed", "user_id", userID, "error", err)
		return Reply{Text: textChatListError}
	}
	return chatListReply(chats)
}

// editedList renders the chat list in place of the menu the action came from.
func (d *Dispatcher) editedList(ctx context.Context, userID, notice string) Reply {
	reply := d.chatList(ctx, userID)
	reply.Edit = true
	reply.Notice = notice
	return reply
}

func (d *Dispatcher) createChat(ctx context.Context, userID, name string) Reply {
	if _, err := d.sessions.CreateChat(ctx, userID, name); err != nil {
		d.logger.Error("Create chat failed", "user_id", userID, "error", err)
		return Reply{Text: textCreateError}
	}
	return d.chatList(ctx, userID)
}

func (d *Dispatcher) renameChat(ctx context.Context, userID string, chatID int64, name string) Reply {
	if err := d.sessions.RenameChat(ctx, userID, chatID, name); err != nil {
		d.logger.Error("Rename chat failed", "user_id", userID, "chat_id", chatID, "error", err)
		return Reply{Text: textRenameError}
	}
	return d.chatList(ctx, userID)
}

// parseSlash splits "/name@bot arg" into its lowercase name and argument.
func parseSlash(text string) (name, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
