package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/fitledger/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// goose хранит диалект и файловую систему в глобальном состоянии.
var migrationsMu sync.Mutex

const (
	rewardColumns = `id, user_id, type, amount, reference_id, steps, ledger_seq, created_at,
		mirror_status, mirror_sequence, mirror_attempts, mirror_next_attempt_at, mirror_last_error, mirror_updated_at`
	purchaseColumns = `id, user_id, product_id, quantity, total_cost, ledger_seq, created_at,
		mirror_status, mirror_sequence, mirror_attempts, mirror_next_attempt_at, mirror_last_error, mirror_updated_at`
	productColumns = `id, name, category, price_tokens, stock`
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
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

	r := &PostgresRepository{pool: pool, now: time.Now}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	migrationsMu.Lock()
	defer migrationsMu.Unlock()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// commitError — ошибка фиксации транзакции. Если сервер ответил ошибкой, транзакция отменена;
// при обрыве соединения неизвестно, применена ли она.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return "commit tx: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

// isRetryable сообщает, что транзакцию можно безопасно повторить целиком.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, created_at) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, r.now().UTC(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetBalance возвращает баланс пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	b := model.Balance{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT fit_balance, total_steps FROM users WHERE id = $1`,
		userID,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// CreditAtomic начисляет delta на баланс пользователя; insert выполняется в той же транзакции до начисления.
func (r *PostgresRepository) CreditAtomic(ctx context.Context, userID, delta, steps int64, insert TxFunc) (*model.Balance, error) {
	if delta <= 0 || steps < 0 {
		return nil, fmt.Errorf("credit: invalid delta %d or steps %d", delta, steps)
	}

	var res *model.Balance
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.credit(ctx, userID, delta, steps, insert)
		return err
	})
	return res, err
}

func (r *PostgresRepository) credit(ctx context.Context, userID, delta, steps int64, insert TxFunc) (*model.Balance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку пользователя: все изменения баланса одного пользователя сериализуются.
	if _, err := lockUserPg(ctx, tx, userID); err != nil {
		return nil, err
	}

	if insert != nil {
		if err := insert(ctx, &pgLedgerTx{tx: tx, now: r.now().UTC()}); err != nil {
			return nil, err
		}
	}

	b := model.Balance{UserID: userID}
	err = tx.QueryRow(ctx,
		`UPDATE users SET fit_balance = fit_balance + $2, total_steps = total_steps + $3
		 WHERE id = $1
		 RETURNING fit_balance, total_steps`,
		userID, delta, steps,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &commitError{err: err}
	}
	return &b, nil
}

// DebitAtomic списывает с баланса сумму, которую вернул precondition, и выполняет insert в той же транзакции.
func (r *PostgresRepository) DebitAtomic(ctx context.Context, userID int64, precondition DebitPrecondition, insert TxFunc) (*model.Balance, error) {
	var res *model.Balance
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.debit(ctx, userID, precondition, insert)
		return err
	})
	return res, err
}

func (r *PostgresRepository) debit(ctx context.Context, userID int64, precondition DebitPrecondition, insert TxFunc) (*model.Balance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockUserPg(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	ltx := &pgLedgerTx{tx: tx, now: r.now().UTC()}

	delta, err := precondition(ctx, ltx)
	if err != nil {
		return nil, err
	}
	if delta <= 0 {
		return nil, fmt.Errorf("debit: invalid delta %d", delta)
	}
	if current < delta {
		return nil, ErrInsufficientFunds
	}

	b := model.Balance{UserID: userID}
	err = tx.QueryRow(ctx,
		`UPDATE users SET fit_balance = fit_balance - $2
		 WHERE id = $1 AND fit_balance >= $2
		 RETURNING fit_balance, total_steps`,
		userID, delta,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	if insert != nil {
		if err := insert(ctx, ltx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &commitError{err: err}
	}
	return &b, nil
}

func lockUserPg(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT fit_balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("lock user for update: %w", err)
	}
	return balance, nil
}

// pgLedgerTx реализует LedgerTx поверх открытой транзакции pgx.
type pgLedgerTx struct {
	tx  pgx.Tx
	now time.Time
}

func (t *pgLedgerTx) FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error) {
	return scanRewardPg(t.tx.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE type = $1 AND reference_id = $2`,
		string(rewardType), referenceID,
	))
}

func (t *pgLedgerTx) InsertReward(ctx context.Context, rec *model.RewardRecord) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO reward_records (user_id, type, amount, reference_id, steps, created_at, mirror_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (type, reference_id) DO NOTHING
		 RETURNING id, ledger_seq`,
		rec.UserID, string(rec.Type), rec.Amount, rec.ReferenceID, rec.Steps, t.now,
	).Scan(&rec.ID, &rec.LedgerSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateReward
		}
		return fmt.Errorf("insert reward: %w", err)
	}
	rec.CreatedAt = t.now
	rec.Mirror = model.MirrorState{Status: model.MirrorPending, UpdatedAt: t.now}
	return nil
}

func (t *pgLedgerTx) LockProduct(ctx context.Context, productID int64) (*model.Product, error) {
	var p model.Product
	var category string
	err := t.tx.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`,
		productID,
	).Scan(&p.ID, &p.Name, &category, &p.PriceTokens, &p.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product for update: %w", err)
	}
	p.Category = model.ProductCategory(category)
	return &p, nil
}

func (t *pgLedgerTx) DecrementStock(ctx context.Context, productID, quantity int64) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrInsufficientStock
	}
	return nil
}

func (t *pgLedgerTx) InsertPurchase(ctx context.Context, rec *model.PurchaseRecord) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO purchase_records (user_id, product_id, quantity, total_cost, created_at, mirror_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 RETURNING id, ledger_seq`,
		rec.UserID, rec.ProductID, rec.Quantity, rec.TotalCost, t.now,
	).Scan(&rec.ID, &rec.LedgerSeq)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	rec.CreatedAt = t.now
	rec.Mirror = model.MirrorState{Status: model.MirrorPending, UpdatedAt: t.now}
	return nil
}

// GetReward возвращает начисление по идентификатору.
func (r *PostgresRepository) GetReward(ctx context.Context, id int64) (*model.RewardRecord, error) {
	return scanRewardPg(r.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE id = $1`, id,
	))
}

// FindRewardByReference возвращает начисление по ключу идемпотентности или ErrRecordNotFound.
func (r *PostgresRepository) FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error) {
	return scanRewardPg(r.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE type = $1 AND reference_id = $2`,
		string(rewardType), referenceID,
	))
}

// ListRewardsByUser возвращает начисления пользователя в порядке фиксации.
func (r *PostgresRepository) ListRewardsByUser(ctx context.Context, userID int64) ([]model.RewardRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE user_id = $1 ORDER BY ledger_seq`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var res []model.RewardRecord
	for rows.Next() {
		rec, err := scanRewardPg(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListPurchasesByUser возвращает покупки пользователя в порядке фиксации.
func (r *PostgresRepository) ListPurchasesByUser(ctx context.Context, userID int64) ([]model.PurchaseRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_records WHERE user_id = $1 ORDER BY ledger_seq`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.PurchaseRecord
	for rows.Next() {
		rec, err := scanPurchasePg(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListLedger возвращает начисления и списания пользователя в порядке фиксации.
func (r *PostgresRepository) ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ledger_seq, 'reward', id, amount, created_at FROM reward_records WHERE user_id = $1
		 UNION ALL
		 SELECT ledger_seq, 'purchase', id, -total_cost, created_at FROM purchase_records WHERE user_id = $1
		 ORDER BY 1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.Seq, &kind, &e.RecordID, &e.Delta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.RecordKind(kind)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateProduct добавляет товар в каталог.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, category, price_tokens, stock) VALUES ($1, $2, $3, $4) RETURNING id`,
		p.Name, string(p.Category), p.PriceTokens, p.Stock,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	var category string
	err := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &category, &p.PriceTokens, &p.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Category = model.ProductCategory(category)
	return &p, nil
}

// ListProducts возвращает каталог товаров.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		var category string
		if err := rows.Scan(&p.ID, &p.Name, &category, &p.PriceTokens, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Category = model.ProductCategory(category)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetMirrorEntry возвращает запись журнала в виде, пригодном для публикации.
func (r *PostgresRepository) GetMirrorEntry(ctx context.Context, ref model.MirrorRef) (*model.MirrorEntry, error) {
	switch ref.Kind {
	case model.KindReward:
		rec, err := r.GetReward(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		e := rewardToEntry(rec)
		return &e, nil
	case model.KindPurchase:
		rec, err := scanPurchasePg(r.pool.QueryRow(ctx,
			`SELECT `+purchaseColumns+` FROM purchase_records WHERE id = $1`, ref.ID,
		))
		if err != nil {
			return nil, err
		}
		e := purchaseToEntry(rec)
		return &e, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", ref.Kind)
}

// MarkMirrored фиксирует успешную публикацию записи и номер последовательности внешнего журнала.
func (r *PostgresRepository) MarkMirrored(ctx context.Context, ref model.MirrorRef, sequence int64) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'mirrored', mirror_sequence = $2, mirror_next_attempt_at = NULL,
		     mirror_last_error = '', mirror_updated_at = $3
		 WHERE id = $1 AND mirror_status IN ('pending', 'failed')`,
		ref.ID, sequence, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark mirrored: %w", err)
	}
	return nil
}

// MarkMirrorFailed переводит запись из pending в failed и назначает время следующей попытки.
func (r *PostgresRepository) MarkMirrorFailed(ctx context.Context, ref model.MirrorRef, attempts int, nextAttemptAt time.Time, reason string) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'failed', mirror_attempts = $2, mirror_next_attempt_at = $3,
		     mirror_last_error = $4, mirror_updated_at = $5
		 WHERE id = $1 AND mirror_status = 'pending'`,
		ref.ID, attempts, nextAttemptAt.UTC(), truncateReason(reason), r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark mirror failed: %w", err)
	}
	return nil
}

// ClaimMirrorRetry переводит запись из failed обратно в pending перед повторной попыткой.
func (r *PostgresRepository) ClaimMirrorRetry(ctx context.Context, ref model.MirrorRef) (bool, error) {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return false, err
	}
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE `+table+` SET mirror_status = 'pending', mirror_updated_at = $2
		 WHERE id = $1 AND mirror_status = 'failed'`,
		ref.ID, r.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim mirror retry: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkMirrorAbandoned переводит запись из failed в abandoned.
func (r *PostgresRepository) MarkMirrorAbandoned(ctx context.Context, ref model.MirrorRef, reason string) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'abandoned', mirror_next_attempt_at = NULL, mirror_last_error = $2, mirror_updated_at = $3
		 WHERE id = $1 AND mirror_status = 'failed'`,
		ref.ID, truncateReason(reason), r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark mirror abandoned: %w", err)
	}
	return nil
}

// ListMirrorCandidates возвращает записи pending старше pendingBefore и записи failed, время повтора которых наступило.
func (r *PostgresRepository) ListMirrorCandidates(ctx context.Context, pendingBefore, now time.Time, limit int) ([]model.MirrorEntry, error) {
	const where = `WHERE (mirror_status = 'pending' AND mirror_updated_at <= $1)
		OR (mirror_status = 'failed' AND (mirror_next_attempt_at IS NULL OR mirror_next_attempt_at <= $2))
		ORDER BY ledger_seq LIMIT $3`

	rewards, err := r.queryRewardEntries(ctx, where, pendingBefore.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	purchases, err := r.queryPurchaseEntries(ctx, where, pendingBefore.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return mergeEntries(rewards, purchases, limit), nil
}

// ListMirrorsByStatus возвращает записи в указанных состояниях зеркалирования.
func (r *PostgresRepository) ListMirrorsByStatus(ctx context.Context, statuses []model.MirrorStatus, limit int) ([]model.MirrorEntry, error) {
	const where = `WHERE mirror_status = ANY($1) ORDER BY ledger_seq LIMIT $2`

	names := statusStrings(statuses)
	rewards, err := r.queryRewardEntries(ctx, where, names, limit)
	if err != nil {
		return nil, err
	}
	purchases, err := r.queryPurchaseEntries(ctx, where, names, limit)
	if err != nil {
		return nil, err
	}
	return mergeEntries(rewards, purchases, limit), nil
}

func (r *PostgresRepository) queryRewardEntries(ctx context.Context, where string, args ...any) ([]model.MirrorEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rewardColumns+` FROM reward_records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select reward mirrors: %w", err)
	}
	defer rows.Close()

	var res []model.MirrorEntry
	for rows.Next() {
		rec, err := scanRewardPg(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rewardToEntry(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) queryPurchaseEntries(ctx context.Context, where string, args ...any) ([]model.MirrorEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+purchaseColumns+` FROM purchase_records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select purchase mirrors: %w", err)
	}
	defer rows.Close()

	var res []model.MirrorEntry
	for rows.Next() {
		rec, err := scanPurchasePg(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, purchaseToEntry(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func scanRewardPg(row pgx.Row) (*model.RewardRecord, error) {
	var (
		rec        model.RewardRecord
		rewardType string
		status     string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rewardType, &rec.Amount, &rec.ReferenceID, &rec.Steps, &rec.LedgerSeq, &rec.CreatedAt,
		&status, &rec.Mirror.Sequence, &rec.Mirror.Attempts, &rec.Mirror.NextAttemptAt, &rec.Mirror.LastError, &rec.Mirror.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan reward: %w", err)
	}
	rec.Type = model.RewardType(rewardType)
	rec.Mirror.Status = model.MirrorStatus(status)
	return &rec, nil
}

func scanPurchasePg(row pgx.Row) (*model.PurchaseRecord, error) {
	var (
		rec    model.PurchaseRecord
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ProductID, &rec.Quantity, &rec.TotalCost, &rec.LedgerSeq, &rec.CreatedAt,
		&status, &rec.Mirror.Sequence, &rec.Mirror.Attempts, &rec.Mirror.NextAttemptAt, &rec.Mirror.LastError, &rec.Mirror.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	rec.Mirror.Status = model.MirrorStatus(status)
	return &rec, nil
}
