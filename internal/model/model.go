// Package model содержит доменные сущности сервиса гифтбокс.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account представляет зарегистрированного пользователя платформы подарков.
type Account struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash []byte
	DeviceID     string
	CreatedAt    time.Time
}

// GiftType описывает позицию каталога — покупаемый вид подарка.
type GiftType struct {
	ID          int64
	Name        string
	Emoji       string
	Description string
	Category    string
	PriceCents  int64
	Active      bool
}

// Price возвращает цену подарка в денежных единицах.
func (g GiftType) Price() decimal.Decimal {
	return decimal.New(g.PriceCents, -2)
}

// PurchaseItem описывает одну позицию покупки: вид подарка и количество.
type PurchaseItem struct {
	GiftTypeID int64
	Quantity   int64
}

// PurchaseLine описывает позицию чека с зафиксированной ценой на момент покупки.
type PurchaseLine struct {
	GiftTypeID int64
	Quantity   int64
	PriceCents int64
}

// PurchaseReceipt описывает неизменяемый чек о покупке подарков.
type PurchaseReceipt struct {
	ID         uuid.UUID
	AccountID  int64
	Items      []PurchaseLine
	TotalCents int64
	CreatedAt  time.Time
}

// Total возвращает итоговую сумму чека в денежных единицах.
func (p PurchaseReceipt) Total() decimal.Decimal {
	return decimal.New(p.TotalCents, -2)
}

// InventoryItem описывает остаток подарков одного вида на счёте пользователя.
type InventoryItem struct {
	GiftTypeID  int64
	Name        string
	Emoji       string
	Description string
	Category    string
	PriceCents  int64
	Quantity    int64
}

// TransactionStatus описывает состояние переданного подарка.
type TransactionStatus string

const (
	TransactionStatusIssued   TransactionStatus = "ISSUED"
	TransactionStatusRedeemed TransactionStatus = "REDEEMED"
)

// Transaction описывает одну единицу подарка, переданную получателю,
// от выпуска кода погашения до его однократного использования.
type Transaction struct {
	ID            uuid.UUID
	SenderID      int64
	GiftTypeID    int64
	ReceiverEmail string
	Message       string
	Code          string
	Status        TransactionStatus
	CreatedAt     time.Time
	RedeemedAt    *time.Time
	RedeemedBy    string
}

// SentGift объединяет транзакцию с данными подарка для истории отправлений.
type SentGift struct {
	Transaction
	GiftName  string
	GiftEmoji string
}

// ClaimView содержит данные для предпросмотра подарка по коду погашения.
// Статус при просмотре не изменяется.
type ClaimView struct {
	TransactionID uuid.UUID
	GiftName      string
	GiftEmoji     string
	Description   string
	SenderName    string
	Message       string
	Status        TransactionStatus
	CreatedAt     time.Time
	RedeemedAt    *time.Time
}
