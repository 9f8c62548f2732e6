package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"ka-bot/internal/requests"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data prefixes carried by inline buttons: "<action>:<external_id>".
const (
	ActionAccept     = "ka_accept"
	ActionInProgress = "ka_in_progress"
	ActionDecline    = "ka_decline"
	ActionSendOneF   = "ka_send_onef"
)

func callbackData(action string, externalID int64) string {
	return action + ":" + strconv.FormatInt(externalID, 10)
}

// ParseCallbackData splits "<action>:<id>". ok is false for foreign or malformed data.
func ParseCallbackData(data string) (action string, externalID int64, ok bool) {
	action, raw, found := strings.Cut(data, ":")
	if !found {
		return "", 0, false
	}
	switch action {
	case ActionAccept, ActionInProgress, ActionDecline, ActionSendOneF:
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return action, id, true
}

func AcceptKeyboard(externalID int64) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Принять", callbackData(ActionAccept, externalID)),
	))
	return &kb
}

// ExecutorKeyboard is shown privately to the assignee right after a claim.
func ExecutorKeyboard(externalID int64) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Взять в работу", callbackData(ActionInProgress, externalID)),
		tgbotapi.NewInlineKeyboardButtonData("Отказаться", callbackData(ActionDecline, externalID)),
	))
	return &kb
}

// DecisionKeyboard is shown once the request is IN_PROGRESS.
func DecisionKeyboard(externalID int64) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Передать АЛ", callbackData(ActionSendOneF, externalID)),
		tgbotapi.NewInlineKeyboardButtonData("Отклонить", callbackData(ActionDecline, externalID)),
	))
	return &kb
}

// DisplayName is "@username" when set, otherwise "ID:<id>".
func DisplayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return "ID:" + strconv.FormatInt(u.ID, 10)
}

// RenderRequest is the plain card used in the group and in private chats.
func RenderRequest(req requests.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Заявка #%d\n", req.ExternalID)
	fmt.Fprintf(&b, "Клиент: %s\n", req.UserFullName)
	fmt.Fprintf(&b, "Телефон: %s\n\n", req.UserPhone)
	fmt.Fprintf(&b, "Авто: %s %s\n", req.CarBrand, req.CarModel)
	fmt.Fprintf(&b, "Год: %d\n", req.CarYear)
	fmt.Fprintf(&b, "Цвет: %s\n", req.CarColor)
	fmt.Fprintf(&b, "Двигатель: %s\n", req.CarMotor)
	fmt.Fprintf(&b, "Цена: %s %s\n", req.CarPrice, req.CarCurrency)
	return b.String()
}

func RenderAssigned(req requests.Request, executor string) string {
	return RenderRequest(req) + "\nВзята: " + executor
}

func RenderInProgress(req requests.Request, executor string) string {
	return RenderRequest(req) + "\nВ процессе: " + executor
}

func RenderExecutorConfirm(req requests.Request) string {
	return "Подтвердите работу с заявкой.\n\n" + RenderRequest(req)
}

func RenderExecutorInProgress(req requests.Request) string {
	return "Статус: в процессе\n\n" + RenderRequest(req) +
		"\nПосле проверки нажмите «Передать АЛ» или «Отклонить»."
}

// RenderDecision is the final card; it reflects the callback lane as well.
func RenderDecision(req requests.Request, executor string) string {
	status := "передана АЛ"
	if req.Decision == requests.StatusRejected {
		status = "отклонена"
	}
	var b strings.Builder
	b.WriteString(RenderRequest(req))
	fmt.Fprintf(&b, "\nЗаявка #%d: %s\n", req.ExternalID, status)
	fmt.Fprintf(&b, "Решение: %s\n", req.Decision)
	fmt.Fprintf(&b, "Комментарий: %s\n", req.DecisionComment)
	fmt.Fprintf(&b, "Исполнитель: %s\n", executor)
	if req.CallbackLane() == requests.LaneErrored {
		b.WriteString("1F: не доставлено, будет повторено автоматически\n")
	}
	return b.String()
}
