// Package dispatch routes inbound transport events to session operations and
// renders transport-neutral replies.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies a button action.
type CommandKind int

// Button actions. The zero value is invalid.
const (
	CmdShowChat CommandKind = iota + 1
	CmdNewChat
	CmdActivate
	CmdRename
	CmdClear
	CmdDelete
	CmdBack
	CmdSelectModel
	CmdToggleReasoning
)

// ErrBadAction is returned for action data that does not decode to a Command.
var ErrBadAction = errors.New("malformed action")

// Command is a decoded button action. ChatID is set for chat-scoped kinds,
// Model for CmdSelectModel.
type Command struct {
	Kind   CommandKind
	ChatID int64
	Model  string
}

var chatVerbs = map[CommandKind]string{
	CmdShowChat: "show",
	CmdActivate: "activate",
	CmdRename:   "rename",
	CmdClear:    "clear",
	CmdDelete:   "delete",
}

// Encode renders the command as opaque action data for a button.
func (c Command) Encode() string {
	switch c.Kind {
	case CmdNewChat:
		return "chat:new"
	case CmdBack:
		return "chat:back"
	case CmdSelectModel:
		return "model:" + c.Model
	case CmdToggleReasoning:
		return "think:toggle"
	}
	if verb, ok := chatVerbs[c.Kind]; ok {
		return "chat:" + verb + ":" + strconv.FormatInt(c.ChatID, 10)
	}
	return ""
}

// DecodeCommand parses action data produced by Encode.
func DecodeCommand(data string) (Command, error) {
	scope, rest, ok := strings.Cut(data, ":")
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrBadAction, data)
	}

	switch scope {
	case "model":
		if rest == "" {
			return Command{}, fmt.Errorf("%w: empty model", ErrBadAction)
		}
		return Command{Kind: CmdSelectModel, Model: rest}, nil
	case "think":
		if rest != "toggle" {
			return Command{}, fmt.Errorf("%w: %q", ErrBadAction, data)
		}
		return Command{Kind: CmdToggleReasoning}, nil
	case "chat":
		return decodeChat(rest)
	}
	return Command{}, fmt.Errorf("%w: unknown scope %q", ErrBadAction, scope)
}

func decodeChat(rest string) (Command, error) {
	switch rest {
	case "new":
		return Command{Kind: CmdNewChat}, nil
	case "back":
		return Command{Kind: CmdBack}, nil
	}

	verb, idStr, ok := strings.Cut(rest, ":")
	if !ok {
		return Command{}, fmt.Errorf("%w: chat action %q", ErrBadAction, rest)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return Command{}, fmt.Errorf("%w: chat id %q", ErrBadAction, idStr)
	}
	for kind, v := range chatVerbs {
		if v == verb {
			return Command{Kind: kind, ChatID: id}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: chat verb %q", ErrBadAction, verb)
}
