package dispatch

import (
	"fmt"
	"strings"

	"github.com/ashureev/chatkeeper/internal/domain"
)

// User-visible texts.
const (
	textApology = "Извините, произошла ошибка при обработке вашего сообщения. " +
		"Попробуйте позже или обратитесь к администратору."
	textGenericError   = "Произошла ошибка. Попробуйте позже."
	textChatListError  = "Произошла ошибка при получении списка чатов. Попробуйте позже или обратитесь к администратору."
	textCreateError    = "Произошла ошибка при создании чата. Попробуйте позже или обратитесь к администратору."
	textRenameError    = "Произошла ошибка при переименовании чата. Попробуйте позже или обратитесь к администратору."
	textModelListError = "Произошла ошибка при получении списка моделей. Попробуйте позже."
	textModelError     = "Произошла ошибка при смене модели. Попробуйте позже."
	textModeError      = "Произошла ошибка при изменении режима. Попробуйте позже."
	textStartError     = "Произошла ошибка при запуске бота. Попробуйте позже."

	textChatList       = "Выберите чат для управления:\n✅ - текущий активный чат"
	textChatActions    = "Выберите действие:"
	textAskNewChatName = "Введите название для нового чата:"
	textAskRename      = "Введите новое название чата:"
	textModelMenu      = "Выберите модель для общения:\n✅ - текущая активная модель"

	textReasoningOn      = "🤔 Режим размышления включен. Теперь я буду подробно объяснять ход своих мыслей."
	textReasoningOff     = "✨ Режим размышления выключен. Вернулся к обычному режиму общения."
	textReasoningOnShort = "🤔 Режим размышления включен"
	textReasoningOffShort = "✨ Режим размышления выключен"
	textRefineOn         = "🔁 Режим улучшения ответов включен. Каждый ответ будет проходить несколько итераций доработки."
	textRefineOff        = "⚡ Режим улучшения ответов выключен."

	noticeActivated  = "Чат активирован"
	noticeCleared    = "История чата очищена"
	noticeDeleted    = "Чат удален"
	noticeNotFound   = "Чат не найден"
	noticeModelFmt   = "Модель изменена на %s"
	activeMarker     = "✅ "
	buttonNewChat    = "➕ Создать новый чат"
	buttonActivate   = "🔵 Сделать активным"
	buttonRename     = "✏️ Переименовать"
	buttonClear      = "🗑️ Очистить историю"
	buttonDelete     = "❌ Удалить чат"
	buttonBack       = "⬅️ Назад к списку"
	modelMenuColumns = 2
)

const textHelp = `🤖 Я - умный ассистент с искусственным интеллектом.

Команды:
/start - начать диалог
/help - показать это сообщение
/think - включить/выключить режим размышления
/refine - включить/выключить режим улучшения ответов
/model - выбрать модель для общения
/chats - управление чатами и историей

В обычном режиме я просто отвечаю на ваши сообщения.
В режиме размышления я подробно объясняю ход своих мыслей.

Вы можете создавать разные чаты для разных тем и переключаться между ними.
Каждый чат хранит свою историю сообщений.

Просто напишите мне сообщение, и я постараюсь помочь!`

const textGreetingFmt = `Привет, %s! 👋

Я - умный ассистент, готовый помочь тебе с различными задачами.

Доступные команды:
/help - показать справку
/think - включить/выключить режим размышления
/model - выбрать модель для общения
/chats - управление чатами

Просто напиши мне сообщение, и я постараюсь помочь!`

// BotCommand describes a slash command for transport menus.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Commands lists the slash commands shown in transport menus.
func Commands() []BotCommand {
	return []BotCommand{
		{Command: "start", Description: "Начать диалог с ботом"},
		{Command: "help", Description: "Показать справку"},
		{Command: "think", Description: "Включить/выключить режим размышления"},
		{Command: "refine", Description: "Включить/выключить режим улучшения ответов"},
		{Command: "model", Description: "Выбрать модель для общения"},
		{Command: "chats", Description: "Управление чатами"},
	}
}

// Button is an inline action attached to a reply.
type Button struct {
	Text   string `json:"text"`
	Action string `json:"action"`
}

// Reply is a transport-neutral response.
type Reply struct {
	// Text is the message body. Empty means only Notice should be shown.
	Text string `json:"text,omitempty"`
	// Notice is a short acknowledgement of a button action.
	Notice string `json:"notice,omitempty"`
	// Alert asks the transport to show Notice prominently.
	Alert bool `json:"alert,omitempty"`
	// Edit asks the transport to replace the message the action came from.
	Edit    bool       `json:"edit,omitempty"`
	Buttons [][]Button `json:"buttons,omitempty"`
}

func greeting(firstName string) string {
	if strings.TrimSpace(firstName) == "" {
		firstName = "друг"
	}
	return fmt.Sprintf(textGreetingFmt, firstName)
}

// chatListReply renders chats with the active one marked.
func chatListReply(chats []domain.Chat) Reply {
	rows := make([][]Button, 0, len(chats)+1)
	for _, c := range chats {
		label := c.Name
		if c.IsActive {
			label = activeMarker + label
		}
		rows = append(rows, []Button{{Text: label, Action: Command{Kind: CmdShowChat, ChatID: c.ID}.Encode()}})
	}
	rows = append(rows, []Button{{Text: buttonNewChat, Action: Command{Kind: CmdNewChat}.Encode()}})
	return Reply{Text: textChatList, Buttons: rows}
}

func chatActionsReply(chatID int64) Reply {
	row := func(text string, kind CommandKind) []Button {
		return []Button{{Text: text, Action: Command{Kind: kind, ChatID: chatID}.Encode()}}
	}
	return Reply{
		Text: textChatActions,
		Edit: true,
		Buttons: [][]Button{
			row(buttonActivate, CmdActivate),
			row(buttonRename, CmdRename),
			row(buttonClear, CmdClear),
			row(buttonDelete, CmdDelete),
			{{Text: buttonBack, Action: Command{Kind: CmdBack}.Encode()}},
		},
	}
}

// modelMenuReply renders the catalog two buttons per row with the current model marked.
func modelMenuReply(models []string, current string) Reply {
	var rows [][]Button
	for i := 0; i < len(models); i += modelMenuColumns {
		end := min(i+modelMenuColumns, len(models))
		row := make([]Button, 0, modelMenuColumns)
		for _, m := range models[i:end] {
			label := m
			if m == current {
				label = activeMarker + m
			}
			row = append(row, Button{Text: label, Action: Command{Kind: CmdSelectModel, Model: m}.Encode()})
		}
		rows = append(rows, row)
	}
	return Reply{Text: textModelMenu, Buttons: rows}
}
