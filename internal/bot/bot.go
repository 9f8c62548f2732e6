// Package bot maps Telegram updates onto lifecycle operations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ka-bot/internal/conversation"
	"ka-bot/internal/lifecycle"
	"ka-bot/internal/rbac"
	"ka-bot/internal/requests"
	"ka-bot/internal/telegram"
	"ka-bot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger is the part of the Bot API the bot needs. *telegram.Client satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error
}

// Bot handles group button presses, private button presses, comment replies
// and admin commands. Message rendering failures never undo a committed
// transition; they are logged.
type Bot struct {
	engine      *lifecycle.Engine
	gate        *rbac.Gate
	sessions    conversation.Store
	tg          Messenger
	groupChatID int64
	log         *slog.Logger
}

type Options struct {
	GroupChatID int64
	Logger      *slog.Logger
}

func New(engine *lifecycle.Engine, gate *rbac.Gate, sessions conversation.Store, tg Messenger, opts Options) *Bot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bot{
		engine:      engine,
		gate:        gate,
		sessions:    sessions,
		tg:          tg,
		groupChatID: opts.GroupChatID,
		log:         opts.Logger,
	}
}

// HandleUpdate implements telegram.UpdateHandler.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, *u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, *u.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	action, externalID, ok := telegram.ParseCallbackData(q.Data)
	if !ok {
		b.answer(ctx, q, "Неверный ID", true)
		return
	}
	actor := lifecycle.Actor{ID: q.From.ID, Name: telegram.DisplayName(q.From)}
	log := b.log.With("action", action, "external_id", externalID, "actor_id", actor.ID)
	ctx = logger.With(ctx, log)

	switch action {
	case telegram.ActionAccept:
		b.onAccept(ctx, q, externalID, actor)
	case telegram.ActionInProgress:
		b.onStartWork(ctx, q, externalID, actor)
	case telegram.ActionDecline:
		b.onDecline(ctx, q, externalID, actor)
	case telegram.ActionSendOneF:
		b.onApprove(ctx, q, externalID, actor)
	}
}

func (b *Bot) onAccept(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor) {
	permitted, err := b.gate.IsPermitted(ctx, actor.ID)
	if err != nil {
		logger.From(ctx).ErrorContext(ctx, "permission lookup failed", "err", err)
		b.answer(ctx, q, "Ошибка проверки доступа, попробуйте позже.", true)
		return
	}
	if !permitted {
		b.answer(ctx, q, fmt.Sprintf("У вас нет доступа принимать заявки.\nВаш ID: %d", actor.ID), true)
		return
	}

	req, err := b.engine.Claim(ctx, externalID, actor)
	if err != nil {
		switch {
		case errors.Is(err, requests.ErrConflict):
			b.answer(ctx, q, "Эта заявка уже в работе у другого сотрудника.", true)
		default:
			b.failed(ctx, q, err)
		}
		return
	}

	b.editGroup(ctx, req, telegram.RenderAssigned(req, executorName(req, actor)), nil)

	if _, err := b.tg.SendMessage(ctx, actor.ID, telegram.RenderExecutorConfirm(req), telegram.ExecutorKeyboard(req.ExternalID)); err != nil {
		if telegram.IsForbidden(err) {
			b.answer(ctx, q, "Открой бота в личке и нажми /start.", true)
			return
		}
		logger.From(ctx).WarnContext(ctx, "private message after claim failed", "err", err)
	}
	b.answer(ctx, q, "Заявка принята", false)
}

func (b *Bot) onStartWork(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor) {
	req, err := b.engine.StartWork(ctx, externalID, actor)
	if err != nil {
		b.rejectAction(ctx, q, externalID, actor, err, "Нельзя перевести в процесс")
		return
	}

	b.editGroup(ctx, req, telegram.RenderInProgress(req, executorName(req, actor)), nil)
	if chatID, messageID, ok := origin(q); ok {
		b.edit(ctx, chatID, messageID, telegram.RenderExecutorInProgress(req), telegram.DecisionKeyboard(req.ExternalID))
	}
	b.putSession(ctx, q, conversation.Session{
		ActorID:    actor.ID,
		ExternalID: externalID,
		Step:       conversation.StepInProgress,
	})
	b.answer(ctx, q, "Статус: в процессе", false)
}

func (b *Bot) onDecline(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor) {
	req, result, err := b.engine.Decline(ctx, externalID, actor)
	if err != nil {
		b.rejectAction(ctx, q, externalID, actor, err, "Нельзя отклонить")
		return
	}

	switch result {
	case lifecycle.DeclineReleased:
		b.editGroup(ctx, req, telegram.RenderRequest(req), telegram.AcceptKeyboard(req.ExternalID))
		if chatID, messageID, ok := origin(q); ok {
			b.edit(ctx, chatID, messageID, fmt.Sprintf(
				"Вы отказались от заявки #%d.\n\nЗаявка возвращена в очередь и доступна другим сотрудникам.", externalID), nil)
		}
		b.dropSession(ctx, actor.ID)
		b.answer(ctx, q, "Заявка возвращена в очередь", false)
	case lifecycle.DeclineNeedsComment:
		b.promptComment(ctx, q, externalID, actor, requests.StatusRejected,
			"Введите комментарий для отклонения (REJECTED):")
	}
}

func (b *Bot) onApprove(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor) {
	req, err := b.engine.Get(ctx, externalID)
	if err != nil {
		b.failed(ctx, q, err)
		return
	}
	if !req.IsAssignedTo(actor.ID) {
		b.answer(ctx, q, "Нельзя: заявка не у вас.", true)
		return
	}
	if req.Status != requests.StatusInProgress {
		b.answer(ctx, q, fmt.Sprintf("Нельзя: статус %s", req.Status), true)
		return
	}
	b.promptComment(ctx, q, externalID, actor, requests.StatusApproved,
		"Введите комментарий для одобрения (APPROVED):")
}

func (b *Bot) promptComment(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor, decision requests.Status, prompt string) {
	b.putSession(ctx, q, conversation.Session{
		ActorID:    actor.ID,
		ExternalID: externalID,
		Step:       conversation.StepAwaitingReason,
		Decision:   decision,
	})
	chatID := actor.ID
	if c, _, ok := origin(q); ok {
		chatID = c
	}
	b.send(ctx, chatID, prompt)
	b.answer(ctx, q, "", false)
}

// onComment completes a pending decision with the operator's free text.
func (b *Bot) onComment(ctx context.Context, m tgbotapi.Message, sess conversation.Session) {
	actor := lifecycle.Actor{ID: m.From.ID, Name: telegram.DisplayName(m.From)}
	comment := strings.TrimSpace(m.Text)
	if comment == "" {
		b.send(ctx, m.Chat.ID, "Комментарий не может быть пустым. Введите комментарий:")
		return
	}
	if sess.ExternalID <= 0 || !sess.Decision.IsDecision() {
		b.send(ctx, m.Chat.ID, "Этап неверный. Нажмите кнопку заново.")
		b.dropSession(ctx, actor.ID)
		return
	}

	req, err := b.engine.Decide(ctx, sess.ExternalID, actor, sess.Decision, comment)
	b.dropSession(ctx, actor.ID)
	if err != nil {
		logger.From(ctx).WarnContext(ctx, "decision rejected", "external_id", sess.ExternalID, "err", err)
		b.send(ctx, m.Chat.ID, "Не удалось сохранить решение. Проверьте статус заявки.")
		return
	}

	text := telegram.RenderDecision(req, executorName(req, actor))
	b.editGroup(ctx, req, text, nil)
	if sess.OriginChatID != 0 && sess.OriginMessageID != 0 {
		b.edit(ctx, sess.OriginChatID, sess.OriginMessageID, text, nil)
		return
	}
	b.send(ctx, m.Chat.ID, text)
}

// rejectAction explains why an assignee-only action did not apply.
func (b *Bot) rejectAction(ctx context.Context, q tgbotapi.CallbackQuery, externalID int64, actor lifecycle.Actor, err error, verb string) {
	if !errors.Is(err, requests.ErrConflict) {
		b.failed(ctx, q, err)
		return
	}
	req, gerr := b.engine.Get(ctx, externalID)
	switch {
	case gerr != nil:
		b.failed(ctx, q, gerr)
	case !req.IsAssignedTo(actor.ID):
		b.answer(ctx, q, "Нельзя: заявка не у вас.", true)
	default:
		b.answer(ctx, q, fmt.Sprintf("%s: статус %s", verb, req.Status), true)
	}
}

func (b *Bot) failed(ctx context.Context, q tgbotapi.CallbackQuery, err error) {
	if errors.Is(err, requests.ErrNotFound) {
		b.answer(ctx, q, "Заявка не найдена", true)
		return
	}
	logger.From(ctx).ErrorContext(ctx, "callback handling failed", "err", err)
	b.answer(ctx, q, "Внутренняя ошибка, попробуйте позже.", true)
}

func (b *Bot) putSession(ctx context.Context, q tgbotapi.CallbackQuery, s conversation.Session) {
	if chatID, messageID, ok := origin(q); ok {
		s.OriginChatID, s.OriginMessageID = chatID, messageID
	}
	if err := b.sessions.Put(ctx, s); err != nil {
		logger.From(ctx).WarnContext(ctx, "session save failed", "err", err)
	}
}

func (b *Bot) dropSession(ctx context.Context, actorID int64) {
	if err := b.sessions.Delete(ctx, actorID); err != nil {
		logger.From(ctx).WarnContext(ctx, "session delete failed", "actor_id", actorID, "err", err)
	}
}

func (b *Bot) editGroup(ctx context.Context, req requests.Request, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	if req.GroupMessageID == nil || b.groupChatID == 0 {
		return
	}
	b.edit(ctx, b.groupChatID, *req.GroupMessageID, text, kb)
}

func (b *Bot) edit(ctx context.Context, chatID, messageID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	if err := b.tg.EditMessageText(ctx, chatID, messageID, text, kb); err != nil {
		logger.From(ctx).WarnContext(ctx, "edit message failed", "chat_id", chatID, "message_id", messageID, "err", err)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.tg.SendMessage(ctx, chatID, text, nil); err != nil {
		logger.From(ctx).WarnContext(ctx, "send message failed", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) answer(ctx context.Context, q tgbotapi.CallbackQuery, text string, alert bool) {
	if err := b.tg.AnswerCallbackQuery(ctx, q.ID, text, alert); err != nil {
		logger.From(ctx).WarnContext(ctx, "answer callback failed", "err", err)
	}
}

// origin is the chat and message carrying the pressed button.
func origin(q tgbotapi.CallbackQuery) (chatID, messageID int64, ok bool) {
	if q.Message == nil || q.Message.Chat == nil {
		return 0, 0, false
	}
	return q.Message.Chat.ID, int64(q.Message.MessageID), true
}

func executorName(req requests.Request, actor lifecycle.Actor) string {
	if req.AssignedToName != "" {
		return req.AssignedToName
	}
	return actor.Name
}
