package services

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Alerter tells operators about orders that need a human.
type Alerter interface {
	NotifyMismatch(ctx context.Context, alert MismatchAlert) error
	NotifyWriteBackFailure(ctx context.Context, alert WriteBackAlert) error
}

// MismatchAlert describes a gateway payment that did not match its order.
type MismatchAlert struct {
	OrderID          string
	PaymentReference string
	ExpectedMinor    int64
	ExpectedCurrency string
	ReceivedMinor    int64
	ReceivedCurrency string
	Reasons          []string
}

// WriteBackAlert describes an issuance that happened but could not be recorded.
type WriteBackAlert struct {
	OrderID string
	Method  string
	Marker  string
	Error   string
}

// NopAlerter drops every alert.
type NopAlerter struct{}

func (NopAlerter) NotifyMismatch(context.Context, MismatchAlert) error { return nil }
func (NopAlerter) NotifyWriteBackFailure(context.Context, WriteBackAlert) error { return nil }

const telegramAPIBase = "https://api.telegram.org"

// TelegramService handles sending notifications to Telegram.
type TelegramService struct {
	http        *resty.Client
	botToken    string
	adminChatID string
	log         *zap.Logger
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string, logger *zap.Logger) *TelegramService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramService{
		http:        resty.New().SetBaseURL(telegramAPIBase).SetTimeout(10 * time.Second),
		botToken:    botToken,
		adminChatID: adminChatID,
		log:         logger.Named("telegram"),
	}
}

// WithBaseURL points the client at another Bot API host.
func (s *TelegramService) WithBaseURL(baseURL string) *TelegramService {
	s.http.SetBaseURL(strings.TrimRight(baseURL, "/"))
	return s
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		s.log.Debug("bot token not configured")
		return nil
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(telegramMessage{ChatID: chatID, Text: text, ParseMode: "HTML"}).
		Post("/bot" + s.botToken + "/sendMessage")
	if err != nil {
		s.log.Warn("send message", zap.Error(err))
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		s.log.Warn("unexpected status", zap.Int("status", resp.StatusCode()))
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		s.log.Debug("admin chat id not configured")
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// FormatPrice renders a minor-unit amount with thousand separators, e.g. "5,000.00 NGN".
func FormatPrice(amountMinor int64, currency string) string {
	major := MajorUnits(amountMinor, currency)
	whole, frac, _ := strings.Cut(major, ".")

	sign := ""
	if strings.HasPrefix(whole, "-") {
		sign, whole = "-", whole[1:]
	}

	var result strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	out := sign + result.String()
	if frac != "" {
		out += "." + frac
	}
	return out + " " + strings.ToUpper(currency)
}

// NotifyMismatch posts a verification mismatch to the admin chat.
func (s *TelegramService) NotifyMismatch(ctx context.Context, alert MismatchAlert) error {
	var reasons strings.Builder
	for i, r := range alert.Reasons {
		reasons.WriteString(fmt.Sprintf("%d. %s\n", i+1, html.EscapeString(r)))
	}

	message := fmt.Sprintf(`<b>PAYMENT MISMATCH</b>
<b>Order:</b> %s
<b>Reference:</b> %s
<b>Expected:</b> %s
<b>Received:</b> %s
<b>Reasons:</b>
%s
Order marked FAILED; no asset was issued.`,
		html.EscapeString(alert.OrderID),
		html.EscapeString(alert.PaymentReference),
		FormatPrice(alert.ExpectedMinor, alert.ExpectedCurrency),
		FormatPrice(alert.ReceivedMinor, alert.ReceivedCurrency),
		reasons.String(),
	)

	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}

// NotifyWriteBackFailure posts an issued-but-unrecorded order to the admin chat.
func (s *TelegramService) NotifyWriteBackFailure(ctx context.Context, alert WriteBackAlert) error {
	message := fmt.Sprintf(`<b>ISSUANCE NOT RECORDED</b>
<b>Order:</b> %s
<b>Method:</b> %s
<b>Marker:</b> <code>%s</code>
<b>Error:</b> %s
The lock stays held; the next reconcile heals it from the ledger.`,
		html.EscapeString(alert.OrderID),
		html.EscapeString(alert.Method),
		html.EscapeString(alert.Marker),
		html.EscapeString(alert.Error),
	)

	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}

var _ Alerter = (*TelegramService)(nil)
