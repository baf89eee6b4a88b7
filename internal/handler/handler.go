// Package handler содержит HTTP-обработчики API сервиса гифтбокс.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftbox-system/internal/middleware"
	"github.com/mmeshcher/giftbox-system/internal/model"
	"github.com/mmeshcher/giftbox-system/internal/repository"
	"github.com/mmeshcher/giftbox-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, email, password, name string) (int64, error)
	AuthenticateAccount(ctx context.Context, email, password string) (int64, error)
	SetDevice(ctx context.Context, accountID int64, deviceID string) error
	ListGiftTypes(ctx context.Context) ([]model.GiftType, error)
	Purchase(ctx context.Context, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error)
	GetInventory(ctx context.Context, accountID int64) ([]model.InventoryItem, error)
	SendGift(ctx context.Context, senderID, giftTypeID int64, receiverEmail, message string) (*model.SentGift, error)
	SentHistory(ctx context.Context, accountID int64) ([]model.SentGift, error)
	Claim(ctx context.Context, token string) (*model.ClaimView, error)
	Redeem(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error)
}

// Handler реализует HTTP-обработчики API сервиса гифтбокс.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register обрабатывает регистрацию нового аккаунта.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Password == "" || req.Name == "" || !validation.IsValidEmail(req.Email) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register account error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию аккаунта и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.AuthenticateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login account error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

// SetDevice сохраняет идентификатор устройства текущего аккаунта.
func (h *Handler) SetDevice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.DeviceID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetDevice(r.Context(), accountID, req.DeviceID); err != nil {
		h.logger.Error("set device error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type giftTypeResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Emoji       string          `json:"emoji"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
}

// ListGiftTypes возвращает активные виды подарков каталога.
func (h *Handler) ListGiftTypes(w http.ResponseWriter, r *http.Request) {
	gifts, err := h.service.ListGiftTypes(r.Context())
	if err != nil {
		h.logger.Error("list gift types error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]giftTypeResponse, 0, len(gifts))
	for _, g := range gifts {
		resp = append(resp, giftTypeResponse{
			ID:          g.ID,
			Name:        g.Name,
			Emoji:       g.Emoji,
			Description: g.Description,
			Category:    g.Category,
			Price:       g.Price(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type purchaseRequest struct {
	Items []purchaseItemRequest `json:"items"`
}

type purchaseItemRequest struct {
	GiftTypeID int64 `json:"gift_type_id"`
	Quantity   int64 `json:"quantity"`
}

type purchaseResponse struct {
	PurchaseID  string                 `json:"purchase_id"`
	TotalAmount decimal.Decimal        `json:"total_amount"`
	Items       []purchaseLineResponse `json:"items"`
	CreatedAt   string                 `json:"created_at"`
}

type purchaseLineResponse struct {
	GiftTypeID int64           `json:"gift_type_id"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// Purchase проводит покупку подарков для текущего аккаунта.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]model.PurchaseItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.PurchaseItem{
			GiftTypeID: it.GiftTypeID,
			Quantity:   it.Quantity,
		})
	}

	receipt, err := h.service.Purchase(r.Context(), accountID, items)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidItem) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("purchase error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	lines := make([]purchaseLineResponse, 0, len(receipt.Items))
	for _, line := range receipt.Items {
		lines = append(lines, purchaseLineResponse{
			GiftTypeID: line.GiftTypeID,
			Quantity:   line.Quantity,
			Price:      decimal.New(line.PriceCents, -2),
		})
	}

	resp := purchaseResponse{
		PurchaseID:  receipt.ID.String(),
		TotalAmount: receipt.Total(),
		Items:       lines,
		CreatedAt:   receipt.CreatedAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type inventoryItemResponse struct {
	GiftTypeID  int64           `json:"gift_type_id"`
	Name        string          `json:"name"`
	Emoji       string          `json:"emoji"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
}

// GetInventory возвращает остатки подарков текущего аккаунта.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	items, err := h.service.GetInventory(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get inventory error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]inventoryItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, inventoryItemResponse{
			GiftTypeID:  it.GiftTypeID,
			Name:        it.Name,
			Emoji:       it.Emoji,
			Description: it.Description,
			Category:    it.Category,
			Price:       decimal.New(it.PriceCents, -2),
			Quantity:    it.Quantity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type sendRequest struct {
	GiftTypeID    int64  `json:"gift_type_id"`
	ReceiverEmail string `json:"receiver_email,omitempty"`
	Message       string `json:"message,omitempty"`
}

type sendResponse struct {
	TransactionID string      `json:"transaction_id"`
	Gift          giftSummary `json:"gift"`
	Code          string      `json:"code"`
	VisualCode    string      `json:"visual_code"`
	ClaimURL      string      `json:"claim_url"`
}

type giftSummary struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

// visualCode форматирует код погашения в группы по четыре символа для показа человеку.
func visualCode(code string) string {
	var b strings.Builder
	for i, ch := range code {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// SendGift передаёт одну единицу подарка получателю и возвращает код погашения.
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.GiftTypeID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ReceiverEmail != "" && !validation.IsValidEmail(req.ReceiverEmail) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sent, err := h.service.SendGift(r.Context(), accountID, req.GiftTypeID, req.ReceiverEmail, req.Message)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		if errors.Is(err, repository.ErrInvalidItem) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("send gift error", zap.Error(err), zap.Int64("accountID", accountID), zap.Int64("giftTypeID", req.GiftTypeID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := sendResponse{
		TransactionID: sent.ID.String(),
		Gift: giftSummary{
			Name:  sent.GiftName,
			Emoji: sent.GiftEmoji,
		},
		Code:       sent.Code,
		VisualCode: visualCode(sent.Code),
		ClaimURL:   "/api/claim/" + sent.Code,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type sentGiftResponse struct {
	TransactionID string  `json:"transaction_id"`
	GiftTypeID    int64   `json:"gift_type_id"`
	GiftName      string  `json:"gift_name"`
	GiftEmoji     string  `json:"gift_emoji"`
	ReceiverEmail string  `json:"receiver_email,omitempty"`
	Message       string  `json:"message,omitempty"`
	Code          string  `json:"code"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	RedeemedAt    *string `json:"redeemed_at,omitempty"`
}

// GetSentHistory возвращает историю отправленных подарков текущего аккаунта.
func (h *Handler) GetSentHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sent, err := h.service.SentHistory(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get sent history error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(sent) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]sentGiftResponse, 0, len(sent))
	for _, sg := range sent {
		resp = append(resp, sentGiftResponse{
			TransactionID: sg.ID.String(),
			GiftTypeID:    sg.GiftTypeID,
			GiftName:      sg.GiftName,
			GiftEmoji:     sg.GiftEmoji,
			ReceiverEmail: sg.ReceiverEmail,
			Message:       sg.Message,
			Code:          sg.Code,
			Status:        string(sg.Status),
			CreatedAt:     sg.CreatedAt.Format(time.RFC3339),
			RedeemedAt:    formatTimePtr(sg.RedeemedAt),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type claimResponse struct {
	TransactionID string  `json:"transaction_id"`
	GiftName      string  `json:"gift_name"`
	GiftEmoji     string  `json:"gift_emoji"`
	Description   string  `json:"description"`
	SenderName    string  `json:"sender_name"`
	Message       string  `json:"message,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	RedeemedAt    *string `json:"redeemed_at,omitempty"`
}

// Claim возвращает предпросмотр подарка по коду погашения без изменения состояния.
// Для уже погашенного кода возвращается 410 Gone вместе с данными подарка.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "code"))
	if token == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	view, err := h.service.Claim(r.Context(), token)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("claim error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := claimResponse{
		TransactionID: view.TransactionID.String(),
		GiftName:      view.GiftName,
		GiftEmoji:     view.GiftEmoji,
		Description:   view.Description,
		SenderName:    view.SenderName,
		Message:       view.Message,
		Status:        string(view.Status),
		CreatedAt:     view.CreatedAt.Format(time.RFC3339),
		RedeemedAt:    formatTimePtr(view.RedeemedAt),
	}

	w.Header().Set("Content-Type", "application/json")
	if view.Status == model.TransactionStatusRedeemed {
		w.WriteHeader(http.StatusGone)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type redeemRequest struct {
	Code    string `json:"code"`
	PartyID string `json:"party_id,omitempty"`
}

type redeemResponse struct {
	TransactionID string `json:"transaction_id"`
	GiftTypeID    int64  `json:"gift_type_id"`
	RedeemedAt    string `json:"redeemed_at"`
}

// Redeem однократно погашает код подарка от имени принимающей стороны.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.Redeem(r.Context(), req.Code, req.PartyID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrAlreadyRedeemed) {
			http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
			return
		}
		h.logger.Error("redeem error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := redeemResponse{
		TransactionID: t.ID.String(),
		GiftTypeID:    t.GiftTypeID,
	}
	if t.RedeemedAt != nil {
		resp.RedeemedAt = t.RedeemedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
