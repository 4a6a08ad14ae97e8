package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"festa/internal/core"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a purchase was changed by someone else
	// since it was loaded.
	ErrConflict = errors.New("purchase was modified concurrently")
)

type SQLiteRepository struct {
	db *sql.DB
}

func dsn(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping is used by the readiness probe.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// PendingSync is a completed purchase not yet written to the ledger sheet.
type PendingSync struct {
	PurchaseID string
	Attempts   int
	UpdatedAt  time.Time
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Users

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, strings.ToLower(strings.TrimSpace(u.Email)), string(u.Role))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (core.User, error) {
	return r.getUser(ctx, `SELECT id, name, email, role FROM users WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetUserByEmail(ctx context.Context, email string) (core.User, error) {
	return r.getUser(ctx, `SELECT id, name, email, role FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
}

func (r *SQLiteRepository) getUser(ctx context.Context, query, arg string) (core.User, error) {
	var u core.User
	var role string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Name, &u.Email, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, notFound("user", arg)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = core.Role(role)
	return u, nil
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, email, role FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []core.User
	for rows.Next() {
		var u core.User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = core.Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

// Wallets

func (r *SQLiteRepository) CreateWallet(ctx context.Context, w core.Wallet) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (id, name, budget_yen) VALUES (?, ?, ?)`,
		w.ID, w.Name, w.Budget.Yen); err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	for _, id := range w.Teachers {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO wallet_teachers (wallet_id, user_id) VALUES (?, ?)`, w.ID, id); err != nil {
			return fmt.Errorf("add wallet teacher: %w", err)
		}
	}
	for _, id := range w.Accountants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO wallet_accountants (wallet_id, user_id) VALUES (?, ?)`, w.ID, id); err != nil {
			return fmt.Errorf("add wallet accountant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wallet: %w", err)
	}
	slog.InfoContext(ctx, "Wallet created", "wallet_id", w.ID, "name", w.Name, "budget", w.Budget.Yen)
	return nil
}

func (r *SQLiteRepository) GetWallet(ctx context.Context, id string) (core.Wallet, error) {
	var w core.Wallet
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, budget_yen FROM wallets WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.Budget.Yen)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Wallet{}, notFound("wallet", id)
	}
	if err != nil {
		return core.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}

	if w.Teachers, err = r.listIDs(ctx, `SELECT user_id FROM wallet_teachers WHERE wallet_id = ? ORDER BY user_id`, id); err != nil {
		return core.Wallet{}, err
	}
	if w.Accountants, err = r.listIDs(ctx, `SELECT user_id FROM wallet_accountants WHERE wallet_id = ? ORDER BY user_id`, id); err != nil {
		return core.Wallet{}, err
	}
	return w, nil
}

// ListWalletsForUser returns the wallets the user takes part in, as teacher,
// accountant or part member.
func (r *SQLiteRepository) ListWalletsForUser(ctx context.Context, userID string) ([]core.Wallet, error) {
	ids, err := r.listIDs(ctx, `
		SELECT wallet_id FROM wallet_teachers WHERE user_id = ?1
		UNION
		SELECT wallet_id FROM wallet_accountants WHERE user_id = ?1
		UNION
		SELECT p.wallet_id FROM parts p JOIN part_leaders l ON l.part_id = p.id WHERE l.user_id = ?1
		UNION
		SELECT p.wallet_id FROM parts p JOIN part_members m ON m.part_id = p.id WHERE m.user_id = ?1
		ORDER BY 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets for user: %w", err)
	}

	wallets := make([]core.Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// Parts

func (r *SQLiteRepository) CreatePart(ctx context.Context, p core.Part) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO parts (id, wallet_id, name, budget_yen) VALUES (?, ?, ?, ?)`,
		p.ID, p.WalletID, p.Name, p.Budget.Yen); err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	for _, id := range p.Leaders {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO part_leaders (part_id, user_id) VALUES (?, ?)`, p.ID, id); err != nil {
			return fmt.Errorf("add part leader: %w", err)
		}
	}
	for _, id := range p.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO part_members (part_id, user_id) VALUES (?, ?)`, p.ID, id); err != nil {
			return fmt.Errorf("add part member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit part: %w", err)
	}
	slog.InfoContext(ctx, "Part created", "part_id", p.ID, "wallet_id", p.WalletID, "budget", p.Budget.Yen)
	return nil
}

// AddPartMember adds a user to a part, as leader when leader is true.
func (r *SQLiteRepository) AddPartMember(ctx context.Context, partID, userID string, leader bool) error {
	table := "part_members"
	if leader {
		table = "part_leaders"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (part_id, user_id) VALUES (?, ?)`, partID, userID)
	if err != nil {
		return fmt.Errorf("add part member: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPart(ctx context.Context, id string) (core.Part, error) {
	var p core.Part
	err := r.db.QueryRowContext(ctx,
		`SELECT id, wallet_id, name, budget_yen FROM parts WHERE id = ?`, id).
		Scan(&p.ID, &p.WalletID, &p.Name, &p.Budget.Yen)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Part{}, notFound("part", id)
	}
	if err != nil {
		return core.Part{}, fmt.Errorf("get part: %w", err)
	}
	if err := r.loadPartMembers(ctx, &p); err != nil {
		return core.Part{}, err
	}
	return p, nil
}

func (r *SQLiteRepository) ListParts(ctx context.Context, walletID string) ([]core.Part, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, wallet_id, name, budget_yen FROM parts WHERE wallet_id = ? ORDER BY name`, walletID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	var parts []core.Part
	for rows.Next() {
		var p core.Part
		if err := rows.Scan(&p.ID, &p.WalletID, &p.Name, &p.Budget.Yen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	for i := range parts {
		if err := r.loadPartMembers(ctx, &parts[i]); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (r *SQLiteRepository) loadPartMembers(ctx context.Context, p *core.Part) error {
	var err error
	if p.Leaders, err = r.listIDs(ctx, `SELECT user_id FROM part_leaders WHERE part_id = ? ORDER BY user_id`, p.ID); err != nil {
		return err
	}
	if p.Members, err = r.listIDs(ctx, `SELECT user_id FROM part_members WHERE part_id = ? ORDER BY user_id`, p.ID); err != nil {
		return err
	}
	return nil
}

func (r *SQLiteRepository) listIDs(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Purchases

const purchaseColumns = `id, part_id, requested_by, items, note, planned_usage_yen, paid_by_requester, created_at, version,
	accountant_approval_by, accountant_approval_ok, accountant_approval_comment, accountant_approval_at,
	teacher_approval_by, teacher_approval_ok, teacher_approval_comment, teacher_approval_at,
	given_money_by, given_money_yen, given_money_at,
	usage_report_by, usage_report_yen, usage_report_at,
	change_return_by, change_return_yen, change_return_at,
	receipt_submission_by, receipt_submission_at`

// CreatePurchase stores a new request. The stored version starts at 1.
func (r *SQLiteRepository) CreatePurchase(ctx context.Context, p core.Purchase) (core.Purchase, error) {
	p.Version = 1
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO purchases (id, part_id, requested_by, items, note, planned_usage_yen, paid_by_requester, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PartID, p.RequestedBy, p.Items, p.Note, p.PlannedUsage.Yen, p.PaidByRequester, p.CreatedAt.UTC(), p.Version)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("create purchase: %w", err)
	}

	slog.InfoContext(ctx, "Purchase saved to SQLite",
		"purchase_id", p.ID,
		"part_id", p.PartID,
		"planned_usage", p.PlannedUsage.Yen)
	return p, nil
}

func (r *SQLiteRepository) GetPurchase(ctx context.Context, id string) (core.Purchase, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Purchase{}, notFound("purchase", id)
	}
	if err != nil {
		return core.Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) ListPurchasesByPart(ctx context.Context, partID string) ([]core.Purchase, error) {
	return r.listPurchases(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE part_id = ? ORDER BY created_at DESC, id`, partID)
}

func (r *SQLiteRepository) ListPurchasesByWallet(ctx context.Context, walletID string) ([]core.Purchase, error) {
	return r.listPurchases(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		WHERE part_id IN (SELECT id FROM parts WHERE wallet_id = ?)
		ORDER BY created_at DESC, id`, walletID)
}

func (r *SQLiteRepository) ListPurchasesByRequester(ctx context.Context, userID string) ([]core.Purchase, error) {
	return r.listPurchases(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE requested_by = ? ORDER BY created_at DESC, id`, userID)
}

func (r *SQLiteRepository) listPurchases(ctx context.Context, query, arg string) ([]core.Purchase, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []core.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePurchase persists the step records of a purchase. The update only
// applies when the stored version still equals p.Version; otherwise
// ErrConflict is returned. A purchase that reaches completion is queued for
// the ledger sync in the same transaction.
func (r *SQLiteRepository) SavePurchase(ctx context.Context, p core.Purchase) (core.Purchase, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := toRow(p)
	res, err := tx.ExecContext(ctx, `
		UPDATE purchases SET
			version = version + 1,
			accountant_approval_by = ?, accountant_approval_ok = ?, accountant_approval_comment = ?, accountant_approval_at = ?,
			teacher_approval_by = ?, teacher_approval_ok = ?, teacher_approval_comment = ?, teacher_approval_at = ?,
			given_money_by = ?, given_money_yen = ?, given_money_at = ?,
			usage_report_by = ?, usage_report_yen = ?, usage_report_at = ?,
			change_return_by = ?, change_return_yen = ?, change_return_at = ?,
			receipt_submission_by = ?, receipt_submission_at = ?
		WHERE id = ? AND version = ?`,
		row.aaBy, row.aaOK, row.aaComment, row.aaAt,
		row.taBy, row.taOK, row.taComment, row.taAt,
		row.gmBy, row.gmYen, row.gmAt,
		row.urBy, row.urYen, row.urAt,
		row.crBy, row.crYen, row.crAt,
		row.rsBy, row.rsAt,
		p.ID, p.Version)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("update purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Purchase{}, fmt.Errorf("update purchase: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM purchases WHERE id = ?`, p.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Purchase{}, notFound("purchase", p.ID)
		}
		return core.Purchase{}, fmt.Errorf("purchase %s version %d: %w", p.ID, p.Version, ErrConflict)
	}

	if core.Status(p) == core.StatusCompleted {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO purchase_sync (purchase_id, sync_status, updated_at) VALUES (?, 'pending', ?)`,
			p.ID, time.Now().UTC()); err != nil {
			return core.Purchase{}, fmt.Errorf("queue ledger sync: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Purchase{}, fmt.Errorf("commit purchase: %w", err)
	}

	p.Version++
	return p, nil
}

// GetPendingSync returns completed purchases whose ledger row has not been
// written yet and that failed fewer than maxAttempts times.
func (r *SQLiteRepository) GetPendingSync(ctx context.Context, limit, maxAttempts int) ([]PendingSync, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT purchase_id, attempts, updated_at FROM purchase_sync
		WHERE sync_status IN ('pending', 'error') AND attempts < ?
		ORDER BY updated_at, purchase_id
		LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending sync: %w", err)
	}
	defer rows.Close()

	var out []PendingSync
	for rows.Next() {
		var ps PendingSync
		if err := rows.Scan(&ps.PurchaseID, &ps.Attempts, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending sync: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// ResetSyncErrors makes purchases that exhausted their attempts eligible again.
func (r *SQLiteRepository) ResetSyncErrors(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE purchase_sync SET sync_status = 'pending', attempts = 0, updated_at = ? WHERE sync_status = 'error'`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset sync errors: %w", err)
	}
	return res.RowsAffected()
}

// IsSynced reports whether the purchase ledger row has already been written.
func (r *SQLiteRepository) IsSynced(ctx context.Context, purchaseID string) (bool, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT sync_status FROM purchase_sync WHERE purchase_id = ?`, purchaseID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get sync status: %w", err)
	}
	return status == "synced", nil
}

// ListSynced returns the IDs of purchases whose ledger row has been written.
func (r *SQLiteRepository) ListSynced(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT purchase_id FROM purchase_sync WHERE sync_status = ? ORDER BY purchase_id`, "synced")
}

// MarkSynced marks a purchase as written to the ledger
func (r *SQLiteRepository) MarkSynced(ctx context.Context, purchaseID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO purchase_sync (purchase_id, sync_status, attempts, updated_at) VALUES (?, 'synced', 1, ?)
		ON CONFLICT(purchase_id) DO UPDATE SET sync_status = 'synced', attempts = attempts + 1, updated_at = excluded.updated_at`,
		purchaseID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark purchase synced: %w", err)
	}

	slog.InfoContext(ctx, "Purchase marked as synced", "purchase_id", purchaseID)
	return nil
}

// MarkSyncError marks a purchase as having ledger sync errors
func (r *SQLiteRepository) MarkSyncError(ctx context.Context, purchaseID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO purchase_sync (purchase_id, sync_status, attempts, updated_at) VALUES (?, 'error', 1, ?)
		ON CONFLICT(purchase_id) DO UPDATE SET sync_status = 'error', attempts = attempts + 1, updated_at = excluded.updated_at`,
		purchaseID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark purchase sync error: %w", err)
	}

	slog.WarnContext(ctx, "Purchase marked with sync error", "purchase_id", purchaseID)
	return nil
}
