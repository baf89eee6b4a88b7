// Package service реализует бизнес-логику сервиса гифтбокс.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/giftbox-system/internal/model"
	"github.com/mmeshcher/giftbox-system/internal/notify"
	"github.com/mmeshcher/giftbox-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, email, name string, passwordHash []byte) (int64, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	SetAccountDevice(ctx context.Context, accountID int64, deviceID string) error
	ListGiftTypes(ctx context.Context) ([]model.GiftType, error)
	GetGiftType(ctx context.Context, id int64) (*model.GiftType, error)
	CreatePurchase(ctx context.Context, purchaseID uuid.UUID, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error)
	GetInventory(ctx context.Context, accountID int64) ([]model.InventoryItem, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetClaimView(ctx context.Context, token string) (*model.ClaimView, error)
	RedeemTransaction(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error)
	GetTransactionsBySender(ctx context.Context, accountID int64) ([]model.SentGift, error)
	GetTransactionsForNotify(ctx context.Context, limit int) ([]repository.TransactionForNotify, error)
	MarkTransactionNotified(ctx context.Context, id uuid.UUID) error
}

// Service содержит бизнес-логику сервиса гифтбокс.
type Service struct {
	repo         Repository
	notifyClient *notify.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifyClient *notify.Client) *Service {
	return &Service{
		repo:         repo,
		notifyClient: notifyClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount регистрирует новый аккаунт.
func (s *Service) RegisterAccount(ctx context.Context, email, password, name string) (int64, error) {
	hashed := hashPassword(email, password)
	id, err := s.repo.CreateAccount(ctx, email, name, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateAccount проверяет email и пароль и возвращает идентификатор аккаунта.
func (s *Service) AuthenticateAccount(ctx context.Context, email, password string) (int64, error) {
	a, err := s.repo.GetAccountByEmail(ctx, email)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(a.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return a.ID, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// SetDevice сохраняет идентификатор устройства для синхронизации инвентаря.
func (s *Service) SetDevice(ctx context.Context, accountID int64, deviceID string) error {
	return s.repo.SetAccountDevice(ctx, accountID, deviceID)
}

// ListGiftTypes возвращает активные виды подарков каталога.
func (s *Service) ListGiftTypes(ctx context.Context) ([]model.GiftType, error) {
	return s.repo.ListGiftTypes(ctx)
}

// Purchase проводит покупку набора подарков и возвращает чек.
// Пустой список позиций и неположительные количества отклоняются до обращения к БД.
func (s *Service) Purchase(ctx context.Context, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty item list", repository.ErrInvalidItem)
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", repository.ErrInvalidItem)
		}
	}

	return s.repo.CreatePurchase(ctx, uuid.New(), accountID, items)
}

// GetInventory возвращает остатки подарков на счёте аккаунта.
func (s *Service) GetInventory(ctx context.Context, accountID int64) ([]model.InventoryItem, error) {
	return s.repo.GetInventory(ctx, accountID)
}

// codeEncoding кодирует коды погашения в base32 без padding.
var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newRedemptionCode генерирует непредсказуемый код погашения. Код не выводится
// из идентификатора транзакции: утечка одного не раскрывает другой.
func newRedemptionCode() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return codeEncoding.EncodeToString(buf), nil
}

// SendGift списывает одну единицу подарка со счёта отправителя и выпускает
// транзакцию с одноразовым кодом погашения.
func (s *Service) SendGift(ctx context.Context, senderID, giftTypeID int64, receiverEmail, message string) (*model.SentGift, error) {
	gift, err := s.repo.GetGiftType(ctx, giftTypeID)
	if err != nil {
		return nil, err
	}

	code, err := newRedemptionCode()
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		SenderID:      senderID,
		GiftTypeID:    giftTypeID,
		ReceiverEmail: receiverEmail,
		Message:       message,
		Code:          code,
		Status:        model.TransactionStatusIssued,
	}

	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	return &model.SentGift{
		Transaction: *t,
		GiftName:    gift.Name,
		GiftEmoji:   gift.Emoji,
	}, nil
}

// SentHistory возвращает историю отправленных подарков аккаунта с текущими статусами.
func (s *Service) SentHistory(ctx context.Context, accountID int64) ([]model.SentGift, error) {
	return s.repo.GetTransactionsBySender(ctx, accountID)
}

// Claim возвращает предпросмотр подарка по коду погашения или идентификатору
// транзакции. Состояние транзакции не изменяется.
func (s *Service) Claim(ctx context.Context, token string) (*model.ClaimView, error) {
	return s.repo.GetClaimView(ctx, token)
}

// Redeem однократно погашает код. Повторное погашение возвращает
// repository.ErrAlreadyRedeemed, неизвестный код — repository.ErrTransactionNotFound.
func (s *Service) Redeem(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error) {
	return s.repo.RedeemTransaction(ctx, token, redeemedBy)
}

// StartNotifyDispatch запускает фоновый процесс отправки уведомлений получателям подарков.
func (s *Service) StartNotifyDispatch(ctx context.Context) {
	if s.notifyClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processNotifyBatch(ctx)
			}
		}
	}()
}

func (s *Service) processNotifyBatch(ctx context.Context) {
	pending, err := s.repo.GetTransactionsForNotify(ctx, 100)
	if err != nil {
		return
	}

	for _, p := range pending {
		_, err := s.notifyClient.SendGiftNotification(ctx, notify.GiftNotification{
			TransactionID: p.ID.String(),
			ReceiverEmail: p.ReceiverEmail,
			GiftName:      p.GiftName,
			SenderName:    p.SenderName,
			Message:       p.Message,
			ClaimCode:     p.Code,
		})
		if err != nil {
			continue
		}

		_ = s.repo.MarkTransactionNotified(ctx, p.ID)
	}
}
