// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/giftbox-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать аккаунт с уже занятым email.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidItem возвращается, если позиция покупки ссылается на неизвестный
	// или неактивный вид подарка либо содержит неположительное количество.
	ErrInvalidItem = errors.New("invalid purchase item")
	// ErrInsufficientBalance возвращается при попытке списать подарок, которого нет на счёте.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransactionNotFound возвращается, если код погашения или идентификатор транзакции неизвестен.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrAlreadyRedeemed возвращается при повторной попытке погасить уже использованный код.
	ErrAlreadyRedeemed = errors.New("transaction already redeemed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock: две конкурентные
		// транзакции погашения или списания могут столкнуться на одной строке.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт новый аккаунт.
func (r *PostgresRepository) CreateAccount(ctx context.Context, email, name string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (email, name, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		email, name, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, email)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// GetAccountByEmail возвращает аккаунт по email.
func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, COALESCE(device_id, ''), created_at FROM accounts WHERE email = $1`,
		email,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.DeviceID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// SetAccountDevice сохраняет идентификатор устройства аккаунта для синхронизации.
func (r *PostgresRepository) SetAccountDevice(ctx context.Context, accountID int64, deviceID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET device_id = $2 WHERE id = $1`,
		accountID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("set device: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListGiftTypes возвращает активные виды подарков, упорядоченные по категории и названию.
func (r *PostgresRepository) ListGiftTypes(ctx context.Context) ([]model.GiftType, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, emoji, description, category, price_cents, active
		 FROM gift_types
		 WHERE active
		 ORDER BY category, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select gift types: %w", err)
	}
	defer rows.Close()

	var res []model.GiftType
	for rows.Next() {
		var g model.GiftType
		if err := rows.Scan(&g.ID, &g.Name, &g.Emoji, &g.Description, &g.Category, &g.PriceCents, &g.Active); err != nil {
			return nil, fmt.Errorf("scan gift type: %w", err)
		}
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetGiftType возвращает вид подарка по идентификатору независимо от флага активности.
func (r *PostgresRepository) GetGiftType(ctx context.Context, id int64) (*model.GiftType, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, emoji, description, category, price_cents, active FROM gift_types WHERE id = $1`,
		id,
	)

	var g model.GiftType
	err := row.Scan(&g.ID, &g.Name, &g.Emoji, &g.Description, &g.Category, &g.PriceCents, &g.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidItem
		}
		return nil, fmt.Errorf("get gift type: %w", err)
	}

	return &g, nil
}

// CreatePurchase проводит покупку: проверяет позиции, начисляет подарки на счёт
// и записывает чек. Все изменения выполняются в одной транзакции — при ошибке
// на любой позиции ни одно начисление не сохраняется.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, purchaseID uuid.UUID, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error) {
	var receipt *model.PurchaseReceipt

	err := r.withRetry(ctx, func() error {
		var err error
		receipt, err = r.createPurchase(ctx, purchaseID, accountID, items)
		return err
	})
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

func (r *PostgresRepository) createPurchase(ctx context.Context, purchaseID uuid.UUID, accountID int64, items []model.PurchaseItem) (*model.PurchaseReceipt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lines := make([]model.PurchaseLine, 0, len(items))
	var totalCents int64

	for _, item := range items {
		var priceCents int64
		err := tx.QueryRow(ctx,
			`SELECT price_cents FROM gift_types WHERE id = $1 AND active`,
			item.GiftTypeID,
		).Scan(&priceCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: gift type %d", ErrInvalidItem, item.GiftTypeID)
			}
			return nil, fmt.Errorf("resolve gift type price: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO inventory (account_id, gift_type_id, quantity) VALUES ($1, $2, $3)
			 ON CONFLICT (account_id, gift_type_id) DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity`,
			accountID, item.GiftTypeID, item.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("credit inventory: %w", err)
		}

		totalCents += priceCents * item.Quantity
		lines = append(lines, model.PurchaseLine{
			GiftTypeID: item.GiftTypeID,
			Quantity:   item.Quantity,
			PriceCents: priceCents,
		})
	}

	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO purchases (id, account_id, total_cents) VALUES ($1, $2, $3) RETURNING created_at`,
		purchaseID, accountID, totalCents,
	).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	for i, line := range lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO purchase_items (purchase_id, position, gift_type_id, quantity, price_cents)
			 VALUES ($1, $2, $3, $4, $5)`,
			purchaseID, i, line.GiftTypeID, line.Quantity, line.PriceCents,
		)
		if err != nil {
			return nil, fmt.Errorf("insert purchase item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.PurchaseReceipt{
		ID:         purchaseID,
		AccountID:  accountID,
		Items:      lines,
		TotalCents: totalCents,
		CreatedAt:  createdAt,
	}, nil
}

// GetInventory возвращает остатки подарков на счёте: только положительные
// количества, упорядоченные по категории и названию.
func (r *PostgresRepository) GetInventory(ctx context.Context, accountID int64) ([]model.InventoryItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT g.id, g.name, g.emoji, g.description, g.category, g.price_cents, i.quantity
		 FROM inventory i
		 JOIN gift_types g ON g.id = i.gift_type_id
		 WHERE i.account_id = $1 AND i.quantity > 0
		 ORDER BY g.category, g.name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select inventory: %w", err)
	}
	defer rows.Close()

	var res []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.GiftTypeID, &it.Name, &it.Emoji, &it.Description, &it.Category, &it.PriceCents, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan inventory item: %w", err)
		}
		res = append(res, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateTransaction списывает одну единицу подарка со счёта отправителя и
// сохраняет транзакцию с кодом погашения. Списание и запись транзакции
// выполняются в одной транзакции БД: либо происходят обе операции, либо ни одна.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.withRetry(ctx, func() error {
		return r.createTransaction(ctx, t)
	})
}

func (r *PostgresRepository) createTransaction(ctx context.Context, t *model.Transaction) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Условное списание закрывает гонку двух конкурентных отправок при одной
	// оставшейся единице: второй вызов не находит строку с quantity >= 1.
	cmdTag, err := tx.Exec(ctx,
		`UPDATE inventory SET quantity = quantity - 1
		 WHERE account_id = $1 AND gift_type_id = $2 AND quantity >= 1`,
		t.SenderID, t.GiftTypeID,
	)
	if err != nil {
		return fmt.Errorf("debit inventory: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (id, sender_id, gift_type_id, receiver_email, message, code, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		t.ID, t.SenderID, t.GiftTypeID, t.ReceiverEmail, t.Message, t.Code, string(t.Status),
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// transactionLookup возвращает условие поиска транзакции: токен может быть
// как кодом погашения, так и идентификатором транзакции. Идентификатором
// считается только канонический uuid с дефисами: код погашения из 32 символов
// base32 теоретически может совпасть с hex-записью uuid без дефисов.
func transactionLookup(token string) (string, any) {
	if len(token) == 36 {
		if id, err := uuid.Parse(token); err == nil {
			return "id = $1", id
		}
	}
	return "code = $1", token
}

// GetClaimView возвращает данные предпросмотра подарка по коду погашения или
// идентификатору транзакции без изменения её состояния.
func (r *PostgresRepository) GetClaimView(ctx context.Context, token string) (*model.ClaimView, error) {
	cond, arg := transactionLookup(token)

	row := r.pool.QueryRow(ctx,
		`SELECT t.id, g.name, g.emoji, g.description, a.name, t.message, t.status, t.created_at, t.redeemed_at
		 FROM transactions t
		 JOIN gift_types g ON g.id = t.gift_type_id
		 JOIN accounts a ON a.id = t.sender_id
		 WHERE t.`+cond,
		arg,
	)

	var v model.ClaimView
	var status string
	err := row.Scan(&v.TransactionID, &v.GiftName, &v.GiftEmoji, &v.Description, &v.SenderName, &v.Message, &status, &v.CreatedAt, &v.RedeemedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get claim view: %w", err)
	}
	v.Status = model.TransactionStatus(status)

	return &v, nil
}

// RedeemTransaction переводит транзакцию из состояния ISSUED в REDEEMED ровно
// один раз. Переход выполняется одним условным UPDATE, поэтому из нескольких
// конкурентных попыток погашения выигрывает ровно одна; остальные получают
// ErrAlreadyRedeemed.
func (r *PostgresRepository) RedeemTransaction(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error) {
	var t *model.Transaction

	err := r.withRetry(ctx, func() error {
		var err error
		t, err = r.redeemTransaction(ctx, token, redeemedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (r *PostgresRepository) redeemTransaction(ctx context.Context, token string, redeemedBy string) (*model.Transaction, error) {
	cond, arg := transactionLookup(token)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE transactions
		 SET status = $2, redeemed_at = now(), redeemed_by = NULLIF($3, '')
		 WHERE `+cond+` AND status = $4
		 RETURNING id, sender_id, gift_type_id, receiver_email, message, code, status, created_at, redeemed_at, COALESCE(redeemed_by, '')`,
		arg, string(model.TransactionStatusRedeemed), redeemedBy, string(model.TransactionStatusIssued),
	)

	var t model.Transaction
	var status string
	err = row.Scan(&t.ID, &t.SenderID, &t.GiftTypeID, &t.ReceiverEmail, &t.Message, &t.Code, &status, &t.CreatedAt, &t.RedeemedAt, &t.RedeemedBy)
	if err == nil {
		t.Status = model.TransactionStatus(status)
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("redeem transaction: %w", err)
	}

	// Условный UPDATE не нашёл строку: либо код неизвестен, либо транзакция уже
	// погашена. Статус перечитывается в той же транзакции БД; состояние REDEEMED
	// терминально, поэтому повторное чтение не открывает гонку.
	var existing string
	err = tx.QueryRow(ctx, `SELECT status FROM transactions WHERE `+cond, arg).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("check transaction status: %w", err)
	}

	return nil, ErrAlreadyRedeemed
}

// GetTransactionsBySender возвращает историю отправленных подарков, новые первыми.
func (r *PostgresRepository) GetTransactionsBySender(ctx context.Context, accountID int64) ([]model.SentGift, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.gift_type_id, t.receiver_email, t.message, t.code, t.status, t.created_at, t.redeemed_at, g.name, g.emoji
		 FROM transactions t
		 JOIN gift_types g ON g.id = t.gift_type_id
		 WHERE t.sender_id = $1
		 ORDER BY t.created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sent transactions: %w", err)
	}
	defer rows.Close()

	var res []model.SentGift
	for rows.Next() {
		var sg model.SentGift
		var status string
		if err := rows.Scan(&sg.ID, &sg.GiftTypeID, &sg.ReceiverEmail, &sg.Message, &sg.Code, &status, &sg.CreatedAt, &sg.RedeemedAt, &sg.GiftName, &sg.GiftEmoji); err != nil {
			return nil, fmt.Errorf("scan sent transaction: %w", err)
		}
		sg.SenderID = accountID
		sg.Status = model.TransactionStatus(status)
		res = append(res, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransactionForNotify описывает отправленный подарок, ожидающий уведомления получателя.
type TransactionForNotify struct {
	ID            uuid.UUID
	ReceiverEmail string
	Message       string
	Code          string
	GiftName      string
	SenderName    string
}

// GetTransactionsForNotify возвращает транзакции с email получателя, по которым
// уведомление ещё не отправлено.
func (r *PostgresRepository) GetTransactionsForNotify(ctx context.Context, limit int) ([]TransactionForNotify, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.receiver_email, t.message, t.code, g.name, a.name
		 FROM transactions t
		 JOIN gift_types g ON g.id = t.gift_type_id
		 JOIN accounts a ON a.id = t.sender_id
		 WHERE t.receiver_email <> '' AND t.notified_at IS NULL
		 ORDER BY t.created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions for notify: %w", err)
	}
	defer rows.Close()

	var res []TransactionForNotify
	for rows.Next() {
		var n TransactionForNotify
		if err := rows.Scan(&n.ID, &n.ReceiverEmail, &n.Message, &n.Code, &n.GiftName, &n.SenderName); err != nil {
			return nil, fmt.Errorf("scan transaction for notify: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkTransactionNotified отмечает транзакцию как уведомлённую.
func (r *PostgresRepository) MarkTransactionNotified(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE transactions SET notified_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}
