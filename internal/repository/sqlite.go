package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/fitledger/internal/model"
)

// SQLiteRepository — хранилище на SQLite для локального запуска и тестов.
//
// Все транзакции открываются как BEGIN IMMEDIATE через единственное соединение, поэтому записи
// сериализуются целиком; блокировки строк не нужны.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository открывает (или создаёт) базу SQLite по пути или file: URI и применяет миграции.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite допускает одного писателя; единственное соединение исключает SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteRepository{db: db, now: time.Now}

	if err := r.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

func sqliteDSN(path string) string {
	const params = "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func (r *SQLiteRepository) runMigrations(ctx context.Context) error {
	migrationsMu.Lock()
	defer migrationsMu.Unlock()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, r.db, "migrations/sqlite"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает соединение с БД.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *SQLiteRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (login, password_hash, created_at) VALUES (?, ?, ?)`,
		login, passwordHash, toMillis(r.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return res.LastInsertId()
}

// GetUserByLogin возвращает пользователя по логину.
func (r *SQLiteRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	var u model.User
	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = ?`, login,
	).Scan(&u.ID, &u.Login, &u.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// GetBalance возвращает баланс пользователя.
func (r *SQLiteRepository) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	b := model.Balance{UserID: userID}
	err := r.db.QueryRowContext(ctx,
		`SELECT fit_balance, total_steps FROM users WHERE id = ?`, userID,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// CreditAtomic начисляет delta на баланс пользователя; insert выполняется в той же транзакции до начисления.
func (r *SQLiteRepository) CreditAtomic(ctx context.Context, userID, delta, steps int64, insert TxFunc) (*model.Balance, error) {
	if delta <= 0 || steps < 0 {
		return nil, fmt.Errorf("credit: invalid delta %d or steps %d", delta, steps)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := readUserBalance(ctx, tx, userID); err != nil {
		return nil, err
	}

	if insert != nil {
		if err := insert(ctx, &sqliteLedgerTx{tx: tx, now: r.now()}); err != nil {
			return nil, err
		}
	}

	b := model.Balance{UserID: userID}
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET fit_balance = fit_balance + ?, total_steps = total_steps + ?
		 WHERE id = ?
		 RETURNING fit_balance, total_steps`,
		delta, steps, userID,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &b, nil
}

// DebitAtomic списывает с баланса сумму, которую вернул precondition, и выполняет insert в той же транзакции.
func (r *SQLiteRepository) DebitAtomic(ctx context.Context, userID int64, precondition DebitPrecondition, insert TxFunc) (*model.Balance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := readUserBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	ltx := &sqliteLedgerTx{tx: tx, now: r.now()}

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
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET fit_balance = fit_balance - ?
		 WHERE id = ? AND fit_balance >= ?
		 RETURNING fit_balance, total_steps`,
		delta, userID, delta,
	).Scan(&b.FitBalance, &b.TotalSteps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	if insert != nil {
		if err := insert(ctx, ltx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &b, nil
}

func readUserBalance(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT fit_balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("read user balance: %w", err)
	}
	return balance, nil
}

// sqliteLedgerTx реализует LedgerTx поверх открытой транзакции database/sql.
type sqliteLedgerTx struct {
	tx  *sql.Tx
	now time.Time
}

func (t *sqliteLedgerTx) nextLedgerSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE ledger_counter SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next ledger seq: %w", err)
	}
	return seq, nil
}

func (t *sqliteLedgerTx) FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error) {
	return scanRewardSQLite(t.tx.QueryRowContext(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE type = ? AND reference_id = ?`,
		string(rewardType), referenceID,
	))
}

func (t *sqliteLedgerTx) InsertReward(ctx context.Context, rec *model.RewardRecord) error {
	seq, err := t.nextLedgerSeq(ctx)
	if err != nil {
		return err
	}

	var ref sql.NullString
	if rec.ReferenceID != nil {
		ref = sql.NullString{String: *rec.ReferenceID, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO reward_records (user_id, type, amount, reference_id, steps, ledger_seq, created_at, mirror_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (type, reference_id) DO NOTHING`,
		rec.UserID, string(rec.Type), rec.Amount, ref, rec.Steps, seq, toMillis(t.now), toMillis(t.now),
	)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert reward: %w", err)
	} else if n == 0 {
		return ErrDuplicateReward
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}

	rec.ID = id
	rec.LedgerSeq = seq
	rec.CreatedAt = fromMillis(toMillis(t.now))
	rec.Mirror = model.MirrorState{Status: model.MirrorPending, UpdatedAt: rec.CreatedAt}
	return nil
}

func (t *sqliteLedgerTx) LockProduct(ctx context.Context, productID int64) (*model.Product, error) {
	var p model.Product
	var category string
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &category, &p.PriceTokens, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("read product: %w", err)
	}
	p.Category = model.ProductCategory(category)
	return &p, nil
}

func (t *sqliteLedgerTx) DecrementStock(ctx context.Context, productID, quantity int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?`,
		quantity, productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if n != 1 {
		return ErrInsufficientStock
	}
	return nil
}

func (t *sqliteLedgerTx) InsertPurchase(ctx context.Context, rec *model.PurchaseRecord) error {
	seq, err := t.nextLedgerSeq(ctx)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO purchase_records (user_id, product_id, quantity, total_cost, ledger_seq, created_at, mirror_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ProductID, rec.Quantity, rec.TotalCost, seq, toMillis(t.now), toMillis(t.now),
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}

	rec.ID = id
	rec.LedgerSeq = seq
	rec.CreatedAt = fromMillis(toMillis(t.now))
	rec.Mirror = model.MirrorState{Status: model.MirrorPending, UpdatedAt: rec.CreatedAt}
	return nil
}

// GetReward возвращает начисление по идентификатору.
func (r *SQLiteRepository) GetReward(ctx context.Context, id int64) (*model.RewardRecord, error) {
	return scanRewardSQLite(r.db.QueryRowContext(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE id = ?`, id,
	))
}

// FindRewardByReference возвращает начисление по ключу идемпотентности или ErrRecordNotFound.
func (r *SQLiteRepository) FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error) {
	return scanRewardSQLite(r.db.QueryRowContext(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE type = ? AND reference_id = ?`,
		string(rewardType), referenceID,
	))
}

// ListRewardsByUser возвращает начисления пользователя в порядке фиксации.
func (r *SQLiteRepository) ListRewardsByUser(ctx context.Context, userID int64) ([]model.RewardRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+rewardColumns+` FROM reward_records WHERE user_id = ? ORDER BY ledger_seq`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var res []model.RewardRecord
	for rows.Next() {
		rec, err := scanRewardSQLite(rows)
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
func (r *SQLiteRepository) ListPurchasesByUser(ctx context.Context, userID int64) ([]model.PurchaseRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_records WHERE user_id = ? ORDER BY ledger_seq`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.PurchaseRecord
	for rows.Next() {
		rec, err := scanPurchaseSQLite(rows)
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
func (r *SQLiteRepository) ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ledger_seq, 'reward', id, amount, created_at FROM reward_records WHERE user_id = ?
		 UNION ALL
		 SELECT ledger_seq, 'purchase', id, -total_cost, created_at FROM purchase_records WHERE user_id = ?
		 ORDER BY 1`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.Seq, &kind, &e.RecordID, &e.Delta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.RecordKind(kind)
		e.CreatedAt = fromMillis(createdAt)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateProduct добавляет товар в каталог.
func (r *SQLiteRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO products (name, category, price_tokens, stock) VALUES (?, ?, ?, ?)`,
		p.Name, string(p.Category), p.PriceTokens, p.Stock,
	)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return res.LastInsertId()
}

// GetProduct возвращает товар по идентификатору.
func (r *SQLiteRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	var category string
	err := r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &category, &p.PriceTokens, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Category = model.ProductCategory(category)
	return &p, nil
}

// ListProducts возвращает каталог товаров.
func (r *SQLiteRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
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
func (r *SQLiteRepository) GetMirrorEntry(ctx context.Context, ref model.MirrorRef) (*model.MirrorEntry, error) {
	switch ref.Kind {
	case model.KindReward:
		rec, err := r.GetReward(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		e := rewardToEntry(rec)
		return &e, nil
	case model.KindPurchase:
		rec, err := scanPurchaseSQLite(r.db.QueryRowContext(ctx,
			`SELECT `+purchaseColumns+` FROM purchase_records WHERE id = ?`, ref.ID,
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
func (r *SQLiteRepository) MarkMirrored(ctx context.Context, ref model.MirrorRef, sequence int64) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'mirrored', mirror_sequence = ?, mirror_next_attempt_at = NULL,
		     mirror_last_error = '', mirror_updated_at = ?
		 WHERE id = ? AND mirror_status IN ('pending', 'failed')`,
		sequence, toMillis(r.now()), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("mark mirrored: %w", err)
	}
	return nil
}

// MarkMirrorFailed переводит запись из pending в failed и назначает время следующей попытки.
func (r *SQLiteRepository) MarkMirrorFailed(ctx context.Context, ref model.MirrorRef, attempts int, nextAttemptAt time.Time, reason string) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'failed', mirror_attempts = ?, mirror_next_attempt_at = ?,
		     mirror_last_error = ?, mirror_updated_at = ?
		 WHERE id = ? AND mirror_status = 'pending'`,
		attempts, toMillis(nextAttemptAt), truncateReason(reason), toMillis(r.now()), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("mark mirror failed: %w", err)
	}
	return nil
}

// ClaimMirrorRetry переводит запись из failed обратно в pending перед повторной попыткой.
func (r *SQLiteRepository) ClaimMirrorRetry(ctx context.Context, ref model.MirrorRef) (bool, error) {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+table+` SET mirror_status = 'pending', mirror_updated_at = ?
		 WHERE id = ? AND mirror_status = 'failed'`,
		toMillis(r.now()), ref.ID,
	)
	if err != nil {
		return false, fmt.Errorf("claim mirror retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim mirror retry: %w", err)
	}
	return n == 1, nil
}

// MarkMirrorAbandoned переводит запись из failed в abandoned.
func (r *SQLiteRepository) MarkMirrorAbandoned(ctx context.Context, ref model.MirrorRef, reason string) error {
	table, err := mirrorTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET mirror_status = 'abandoned', mirror_next_attempt_at = NULL, mirror_last_error = ?, mirror_updated_at = ?
		 WHERE id = ? AND mirror_status = 'failed'`,
		truncateReason(reason), toMillis(r.now()), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("mark mirror abandoned: %w", err)
	}
	return nil
}

// ListMirrorCandidates возвращает записи pending старше pendingBefore и записи failed, время повтора которых наступило.
func (r *SQLiteRepository) ListMirrorCandidates(ctx context.Context, pendingBefore, now time.Time, limit int) ([]model.MirrorEntry, error) {
	const where = `WHERE (mirror_status = 'pending' AND mirror_updated_at <= ?)
		OR (mirror_status = 'failed' AND (mirror_next_attempt_at IS NULL OR mirror_next_attempt_at <= ?))
		ORDER BY ledger_seq LIMIT ?`

	rewards, err := r.queryRewardEntries(ctx, where, toMillis(pendingBefore), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	purchases, err := r.queryPurchaseEntries(ctx, where, toMillis(pendingBefore), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	return mergeEntries(rewards, purchases, limit), nil
}

// ListMirrorsByStatus возвращает записи в указанных состояниях зеркалирования.
func (r *SQLiteRepository) ListMirrorsByStatus(ctx context.Context, statuses []model.MirrorStatus, limit int) ([]model.MirrorEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, limit)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	where := `WHERE mirror_status IN (` + placeholders + `) ORDER BY ledger_seq LIMIT ?`

	rewards, err := r.queryRewardEntries(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	purchases, err := r.queryPurchaseEntries(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return mergeEntries(rewards, purchases, limit), nil
}

func (r *SQLiteRepository) queryRewardEntries(ctx context.Context, where string, args ...any) ([]model.MirrorEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+rewardColumns+` FROM reward_records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select reward mirrors: %w", err)
	}
	defer rows.Close()

	var res []model.MirrorEntry
	for rows.Next() {
		rec, err := scanRewardSQLite(rows)
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

func (r *SQLiteRepository) queryPurchaseEntries(ctx context.Context, where string, args ...any) ([]model.MirrorEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchase_records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select purchase mirrors: %w", err)
	}
	defer rows.Close()

	var res []model.MirrorEntry
	for rows.Next() {
		rec, err := scanPurchaseSQLite(rows)
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

type sqlScanner interface {
	Scan(dest ...any) error
}

type sqliteMirrorColumns struct {
	status    string
	sequence  sql.NullInt64
	attempts  int
	nextAt    sql.NullInt64
	lastError string
	updatedAt int64
}

func (c *sqliteMirrorColumns) state() model.MirrorState {
	s := model.MirrorState{
		Status:    model.MirrorStatus(c.status),
		Attempts:  c.attempts,
		LastError: c.lastError,
		UpdatedAt: fromMillis(c.updatedAt),
	}
	if c.sequence.Valid {
		v := c.sequence.Int64
		s.Sequence = &v
	}
	if c.nextAt.Valid {
		t := fromMillis(c.nextAt.Int64)
		s.NextAttemptAt = &t
	}
	return s
}

func scanRewardSQLite(row sqlScanner) (*model.RewardRecord, error) {
	var (
		rec        model.RewardRecord
		rewardType string
		ref        sql.NullString
		createdAt  int64
		m          sqliteMirrorColumns
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rewardType, &rec.Amount, &ref, &rec.Steps, &rec.LedgerSeq, &createdAt,
		&m.status, &m.sequence, &m.attempts, &m.nextAt, &m.lastError, &m.updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan reward: %w", err)
	}
	rec.Type = model.RewardType(rewardType)
	if ref.Valid {
		v := ref.String
		rec.ReferenceID = &v
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.Mirror = m.state()
	return &rec, nil
}

func scanPurchaseSQLite(row sqlScanner) (*model.PurchaseRecord, error) {
	var (
		rec       model.PurchaseRecord
		createdAt int64
		m         sqliteMirrorColumns
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ProductID, &rec.Quantity, &rec.TotalCost, &rec.LedgerSeq, &createdAt,
		&m.status, &m.sequence, &m.attempts, &m.nextAt, &m.lastError, &m.updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.Mirror = m.state()
	return &rec, nil
}
