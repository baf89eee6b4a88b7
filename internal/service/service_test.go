package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/giftbox-system/internal/model"
	"github.com/mmeshcher/giftbox-system/internal/notify"
	"github.com/mmeshcher/giftbox-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestNewRedemptionCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := newRedemptionCode()
		if err != nil {
			t.Fatalf("newRedemptionCode error: %v", err)
		}
		if len(code) != 32 {
			t.Fatalf("code length = %d, want 32", len(code))
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %s", code)
		}
		seen[code] = true
	}
}

type stubRepo struct {
	createAccountID  int64
	createAccountErr error

	getAccount    *model.Account
	getAccountErr error

	giftType    *model.GiftType
	giftTypeErr error

	receipt     *model.PurchaseReceipt
	purchaseErr error

	purchaseCalled bool

	createTxErr error
	createdTx   *model.Transaction

	inventory    []model.InventoryItem
	inventoryErr error

	sent    []model.SentGift
	sentErr error

	claimView *model.ClaimView
	claimErr  error

	redeemTx  *model.Transaction
	redeemErr error

	forNotify   []repository.TransactionForNotify
	notifiedIDs []uuid.UUID
	mu          sync.Mutex
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateAccount(ctx context.Context, email, name string, passwordHash []byte) (int64, error) {
	return s.createAccountID, s.createAccountErr
}

func (s *stubRepo) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.getAccount, s.getAccountErr
}

func (s *stubRepo) SetAccountDevice(ctx context.Context, accountID int64, deviceID string) error {
	return nil
}

func (s *stubRepo) ListGiftTypes(ctx context.Context) ([]model.GiftType, error) {
	return nil, nil
}

func (s *stubRepo) GetGiftType(ctx context.Context, id int64) (*model.GiftType, error) {
	return s.giftType, s.giftTypeErr
}

func (s *stubRepo) CreatePurchase(ctx context.Context, purchaseID uuid.UUID, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error) {
	s.purchaseCalled = true
	return s.receipt, s.purchaseErr
}

func (s *stubRepo) GetInventory(ctx context.Context, accountID int64) ([]model.InventoryItem, error) {
	return s.inventory, s.inventoryErr
}

func (s *stubRepo) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if s.createTxErr != nil {
		return s.createTxErr
	}
	s.createdTx = t
	return nil
}

func (s *stubRepo) GetClaimView(ctx context.Context, token string) (*model.ClaimView, error) {
	return s.claimView, s.claimErr
}

func (s *stubRepo) RedeemTransaction(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error) {
	return s.redeemTx, s.redeemErr
}

func (s *stubRepo) GetTransactionsBySender(ctx context.Context, accountID int64) ([]model.SentGift, error) {
	return s.sent, s.sentErr
}

func (s *stubRepo) GetTransactionsForNotify(ctx context.Context, limit int) ([]repository.TransactionForNotify, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.forNotify
	s.forNotify = nil
	return pending, nil
}

func (s *stubRepo) MarkTransactionNotified(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiedIDs = append(s.notifiedIDs, id)
	return nil
}

func TestRegisterAccount_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createAccountErr: repository.ErrAccountExists,
	}
	svc := NewService(repo, nil)

	_, err := svc.RegisterAccount(context.Background(), "a@b.com", "pass", "Имя")
	if !errors.Is(err, repository.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestAuthenticateAccount_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user@example.com", "correct")
	repo := &stubRepo{
		getAccount: &model.Account{
			ID:           1,
			Email:        "user@example.com",
			PasswordHash: hashed,
		},
	}

	svc := NewService(repo, nil)

	_, err := svc.AuthenticateAccount(context.Background(), "user@example.com", "wrong")
	if err == nil {
		t.Fatalf("expected error for invalid credentials")
	}
}

func TestPurchase_RejectsEmptyItems(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil)

	_, err := svc.Purchase(context.Background(), 1, nil)
	if !errors.Is(err, repository.ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
	if repo.purchaseCalled {
		t.Fatalf("repository must not be called for empty item list")
	}
}

func TestPurchase_RejectsNonPositiveQuantity(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil)

	items := []model.PurchaseItem{
		{GiftTypeID: 1, Quantity: 2},
		{GiftTypeID: 2, Quantity: 0},
	}

	_, err := svc.Purchase(context.Background(), 1, items)
	if !errors.Is(err, repository.ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
	if repo.purchaseCalled {
		t.Fatalf("repository must not be called for non-positive quantity")
	}
}

func TestPurchase_ReturnsReceipt(t *testing.T) {
	want := &model.PurchaseReceipt{
		ID:         uuid.New(),
		AccountID:  1,
		TotalCents: 1050,
		Items: []model.PurchaseLine{
			{GiftTypeID: 1, Quantity: 3, PriceCents: 350},
		},
	}
	repo := &stubRepo{receipt: want}
	svc := NewService(repo, nil)

	receipt, err := svc.Purchase(context.Background(), 1, []model.PurchaseItem{{GiftTypeID: 1, Quantity: 3}})
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if receipt.TotalCents != 1050 {
		t.Fatalf("TotalCents = %d, want 1050", receipt.TotalCents)
	}
	if receipt.Total().StringFixed(2) != "10.50" {
		t.Fatalf("Total = %s, want 10.50", receipt.Total().StringFixed(2))
	}
}

func TestSendGift_IssuesTransaction(t *testing.T) {
	repo := &stubRepo{
		giftType: &model.GiftType{ID: 7, Name: "Капучино", Emoji: "☕"},
	}
	svc := NewService(repo, nil)

	sent, err := svc.SendGift(context.Background(), 1, 7, "friend@example.com", "с днём рождения")
	if err != nil {
		t.Fatalf("SendGift error: %v", err)
	}

	if sent.Status != model.TransactionStatusIssued {
		t.Fatalf("status = %s, want %s", sent.Status, model.TransactionStatusIssued)
	}
	if sent.Code == "" {
		t.Fatalf("expected non-empty redemption code")
	}
	if sent.Code == sent.ID.String() {
		t.Fatalf("redemption code must not equal transaction id")
	}
	if sent.GiftName != "Капучино" {
		t.Fatalf("gift name = %q, want Капучино", sent.GiftName)
	}
	if repo.createdTx == nil || repo.createdTx.ID != sent.ID {
		t.Fatalf("transaction was not persisted")
	}
}

func TestSendGift_PropagatesInsufficientBalance(t *testing.T) {
	repo := &stubRepo{
		giftType:    &model.GiftType{ID: 7, Name: "Чай"},
		createTxErr: repository.ErrInsufficientBalance,
	}
	svc := NewService(repo, nil)

	_, err := svc.SendGift(context.Background(), 1, 7, "", "")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// redeemOnceRepo моделирует контракт однократного погашения: первый вызов
// выигрывает, остальные получают ErrAlreadyRedeemed.
type redeemOnceRepo struct {
	stubRepo
	mu       sync.Mutex
	redeemed bool
}

func (r *redeemOnceRepo) RedeemTransaction(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.redeemed {
		return nil, repository.ErrAlreadyRedeemed
	}
	r.redeemed = true

	now := time.Now()
	return &model.Transaction{
		ID:         uuid.New(),
		Code:       token,
		Status:     model.TransactionStatusRedeemed,
		RedeemedAt: &now,
	}, nil
}

func TestRedeem_SecondCallAlreadyRedeemed(t *testing.T) {
	repo := &redeemOnceRepo{}
	svc := NewService(repo, nil)

	first, err := svc.Redeem(context.Background(), "CODE", "")
	if err != nil {
		t.Fatalf("first redeem error: %v", err)
	}
	if first.Status != model.TransactionStatusRedeemed || first.RedeemedAt == nil {
		t.Fatalf("first redeem must set redeemed status and time, got %+v", first)
	}

	_, err = svc.Redeem(context.Background(), "CODE", "")
	if !errors.Is(err, repository.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	repo := &redeemOnceRepo{}
	svc := NewService(repo, nil)

	const n = 20

	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(context.Background(), "CODE", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, already int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrAlreadyRedeemed):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if already != n-1 {
		t.Fatalf("already redeemed = %d, want %d", already, n-1)
	}
}

func TestClaim_PassThrough(t *testing.T) {
	view := &model.ClaimView{
		TransactionID: uuid.New(),
		GiftName:      "Пончик",
		SenderName:    "Аня",
		Status:        model.TransactionStatusIssued,
	}
	repo := &stubRepo{claimView: view}
	svc := NewService(repo, nil)

	got, err := svc.Claim(context.Background(), "CODE")
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got.GiftName != "Пончик" || got.SenderName != "Аня" {
		t.Fatalf("unexpected claim view: %+v", got)
	}
}

func TestProcessNotifyBatch_MarksNotified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	txID := uuid.New()
	repo := &stubRepo{
		forNotify: []repository.TransactionForNotify{
			{
				ID:            txID,
				ReceiverEmail: "friend@example.com",
				Code:          "CODE",
				GiftName:      "Латте",
				SenderName:    "Аня",
			},
		},
	}

	svc := NewService(repo, notify.NewClient(ts.URL))
	svc.processNotifyBatch(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.notifiedIDs) != 1 || repo.notifiedIDs[0] != txID {
		t.Fatalf("notified ids = %v, want [%s]", repo.notifiedIDs, txID)
	}
}

func TestStartNotifyDispatch_NoClient(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartNotifyDispatch(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartNotifyDispatch did not return without client")
	}
}
