package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ka-bot/internal/conversation"
	"ka-bot/internal/rbac"
	"ka-bot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxListText keeps /list under the Bot API message limit.
const maxListText = 3800

const adminHelp = "Admin panel\n\n" +
	"Доступные команды:\n" +
	"/add tg_id — добавить/активировать пользователя для Accept\n" +
	"/remove tg_id — отключить пользователя (is_active=false)\n" +
	"/list — показать список разрешённых пользователей\n" +
	"/test_group — проверить отправку в группу\n"

// handleMessage serves private chats only: commands first, then comment replies.
func (b *Bot) handleMessage(ctx context.Context, m tgbotapi.Message) {
	if m.From == nil || m.Chat == nil || !m.Chat.IsPrivate() {
		return
	}
	ctx = logger.With(ctx, b.log.With("actor_id", m.From.ID, "chat_id", m.Chat.ID))

	if cmd, args, ok := parseCommand(m.Text); ok {
		b.handleCommand(ctx, m, cmd, args)
		return
	}

	sess, err := b.sessions.Get(ctx, m.From.ID)
	if err != nil {
		if !errors.Is(err, conversation.ErrNoSession) {
			logger.From(ctx).WarnContext(ctx, "session load failed", "err", err)
		}
		return
	}
	if sess.Step != conversation.StepAwaitingReason {
		return
	}
	b.onComment(ctx, m, sess)
}

// parseCommand splits "/cmd@bot arg1 arg2".
func parseCommand(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (b *Bot) handleCommand(ctx context.Context, m tgbotapi.Message, cmd string, args []string) {
	by := m.From.ID
	switch cmd {
	case "start":
		b.cmdStart(ctx, m)
	case "cancel":
		b.dropSession(ctx, by)
		b.send(ctx, m.Chat.ID, "Отменено.")
	case "add":
		b.cmdAdd(ctx, m, args)
	case "remove":
		b.cmdRemove(ctx, m, args)
	case "list":
		b.cmdList(ctx, m)
	case "test_group":
		b.cmdTestGroup(ctx, m)
	}
}

func (b *Bot) cmdStart(ctx context.Context, m tgbotapi.Message) {
	if b.gate.IsAdmin(m.From.ID) {
		b.send(ctx, m.Chat.ID, adminHelp)
		return
	}
	permitted, err := b.gate.IsPermitted(ctx, m.From.ID)
	if err != nil {
		logger.From(ctx).WarnContext(ctx, "permission lookup failed", "err", err)
	}
	if permitted {
		b.send(ctx, m.Chat.ID, "Бот готов присылать вам принятые заявки.")
		return
	}
	b.send(ctx, m.Chat.ID, "Привет. Доступ к управлению ограничен.")
}

func (b *Bot) cmdAdd(ctx context.Context, m tgbotapi.Message, args []string) {
	tgID, ok := b.targetID(ctx, m, "add", args)
	if !ok {
		return
	}
	if _, err := b.gate.Grant(ctx, m.From.ID, tgID, ""); err != nil {
		b.adminFailed(ctx, m, err)
		return
	}
	b.send(ctx, m.Chat.ID, fmt.Sprintf("Пользователь %d добавлен/активирован.", tgID))
}

func (b *Bot) cmdRemove(ctx context.Context, m tgbotapi.Message, args []string) {
	tgID, ok := b.targetID(ctx, m, "remove", args)
	if !ok {
		return
	}
	removed, err := b.gate.Revoke(ctx, m.From.ID, tgID)
	if err != nil {
		b.adminFailed(ctx, m, err)
		return
	}
	if !removed {
		b.send(ctx, m.Chat.ID, fmt.Sprintf("Пользователь %d не найден.", tgID))
		return
	}
	b.send(ctx, m.Chat.ID, fmt.Sprintf("Пользователь %d отключён (is_active=false).", tgID))
}

func (b *Bot) cmdList(ctx context.Context, m tgbotapi.Message) {
	users, err := b.gate.List(ctx, m.From.ID)
	if err != nil {
		b.adminFailed(ctx, m, err)
		return
	}
	if len(users) == 0 {
		b.send(ctx, m.Chat.ID, "Список пуст.")
		return
	}
	lines := []string{"permitted_users:"}
	for _, u := range users {
		line := fmt.Sprintf("- %d — active", u.TgID)
		if u.Username != "" {
			line += " (@" + u.Username + ")"
		}
		lines = append(lines, line)
	}
	b.send(ctx, m.Chat.ID, truncateList(strings.Join(lines, "\n")))
}

func (b *Bot) cmdTestGroup(ctx context.Context, m tgbotapi.Message) {
	if !b.gate.IsAdmin(m.From.ID) {
		b.send(ctx, m.Chat.ID, "Нет доступа.")
		return
	}
	sent, err := b.tg.SendMessage(ctx, b.groupChatID, "Тест: бот может отправлять сообщения в группу КА.", nil)
	if err != nil {
		logger.From(ctx).WarnContext(ctx, "test group message failed", "err", err)
		b.send(ctx, m.Chat.ID, "Не удалось отправить в группу: "+err.Error())
		return
	}
	b.send(ctx, m.Chat.ID, fmt.Sprintf("Отправлено в группу. message_id=%d", sent.MessageID))
}

// targetID parses the single tg_id argument of /add and /remove.
func (b *Bot) targetID(ctx context.Context, m tgbotapi.Message, cmd string, args []string) (int64, bool) {
	if !b.gate.IsAdmin(m.From.ID) {
		b.send(ctx, m.Chat.ID, "Недостаточно прав.")
		return 0, false
	}
	if len(args) != 1 {
		b.send(ctx, m.Chat.ID, "Использование: /"+cmd+" tg_id")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		b.send(ctx, m.Chat.ID, "tg_id должен быть числом.")
		return 0, false
	}
	return id, true
}

func (b *Bot) adminFailed(ctx context.Context, m tgbotapi.Message, err error) {
	if errors.Is(err, rbac.ErrForbidden) {
		b.send(ctx, m.Chat.ID, "Недостаточно прав.")
		return
	}
	logger.From(ctx).ErrorContext(ctx, "admin command failed", "err", err)
	b.send(ctx, m.Chat.ID, "Внутренняя ошибка, попробуйте позже.")
}

func truncateList(text string) string {
	if len(text) <= maxListText {
		return text
	}
	cut := maxListText
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + "\n...\n(обрезано)"
}
