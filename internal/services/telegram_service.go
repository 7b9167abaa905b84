package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const telegramAPIBase = "https://api.telegram.org"

// PaymentNotifier receives settled payment outcomes.
type PaymentNotifier interface {
	NotifyPaymentSuccess(PaymentNotification) error
	NotifyPaymentFailed(PaymentNotification) error
	NotifyRefundRequired(PaymentNotification) error
}

// PaymentNotification carries the fields shown to operators.
type PaymentNotification struct {
	OrderID       uint
	TransactionID uint
	Receipt       string
	Phone         string
	Amount        decimal.Decimal
	Reason        string
	Source        OutcomeSource
}

// TelegramService handles sending notifications to Telegram.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiBase     string
	httpClient  *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiBase:     telegramAPIBase,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.apiBase, "/"), s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatPrice formats an amount with thousand separators and currency.
func FormatPrice(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "KES"
	}
	str := amount.StringFixed(2)
	whole, frac, _ := strings.Cut(str, ".")
	negative := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")

	var result strings.Builder
	if negative {
		result.WriteByte('-')
	}
	length := len(whole)
	for i, digit := range whole {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	result.WriteString(".")
	result.WriteString(frac)

	return currency + " " + result.String()
}

// NotifyPaymentSuccess sends notification about successful payment.
func (s *TelegramService) NotifyPaymentSuccess(p PaymentNotification) error {
	message := fmt.Sprintf(`<b>✅ PAYMENT RECEIVED</b>
<b>Order:</b> #%d
<b>Transaction:</b> #%d
<b>Receipt:</b> %s
<b>Amount:</b> %s
<b>Phone:</b> %s
<b>Confirmed by:</b> %s`,
		p.OrderID,
		p.TransactionID,
		valueOrDash(p.Receipt),
		FormatPrice(p.Amount, ""),
		p.Phone,
		p.Source,
	)
	return s.SendToAdmin(message)
}

// NotifyPaymentFailed sends notification about a failed payment.
func (s *TelegramService) NotifyPaymentFailed(p PaymentNotification) error {
	message := fmt.Sprintf(`<b>❌ PAYMENT FAILED</b>
<b>Order:</b> #%d
<b>Transaction:</b> #%d
<b>Amount:</b> %s
<b>Reason:</b> %s`,
		p.OrderID,
		p.TransactionID,
		FormatPrice(p.Amount, ""),
		valueOrDash(p.Reason),
	)
	return s.SendToAdmin(message)
}

// NotifyRefundRequired reports money taken for an order that cannot keep it.
func (s *TelegramService) NotifyRefundRequired(p PaymentNotification) error {
	message := fmt.Sprintf(`<b>⚠️ REFUND REQUIRED</b>
<b>Order:</b> #%d
<b>Transaction:</b> #%d
<b>Receipt:</b> %s
<b>Amount:</b> %s
<b>Phone:</b> %s
<b>Reason:</b> %s`,
		p.OrderID,
		p.TransactionID,
		valueOrDash(p.Receipt),
		FormatPrice(p.Amount, ""),
		p.Phone,
		valueOrDash(p.Reason),
	)
	return s.SendToAdmin(message)
}

func valueOrDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
