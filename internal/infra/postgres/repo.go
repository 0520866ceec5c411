package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/store"
)

const insertBatchSize = 500

// repo implements store.Repository on a gorm session, which is either the
// root connection or a transaction.
type repo struct {
	db *gorm.DB
}

var _ store.Repository = (*repo)(nil)

func (r *repo) CreateAccount(ctx context.Context, acct domain.Account) error {
	if err := r.db.WithContext(ctx).Create(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrAccountExists
		}
		return fmt.Errorf("CreateAccount: inserting account %s: %w", acct.ID, err)
	}
	return nil
}

func (r *repo) EnsureAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&acct).Error
	if err != nil {
		return domain.Account{}, fmt.Errorf("EnsureAccount: inserting account %s: %w", acct.ID, err)
	}

	var stored domain.Account
	if err := r.db.WithContext(ctx).First(&stored, "id = ?", acct.ID).Error; err != nil {
		return domain.Account{}, fmt.Errorf("EnsureAccount: reading account %s: %w", acct.ID, mapErr(err))
	}
	return stored, nil
}

func (r *repo) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	var out []domain.Account
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListAccounts: querying owner %s: %w", ownerID, err)
	}
	return out, nil
}

func (r *repo) GetAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Account
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("GetAccounts: querying %d ids: %w", len(ids), err)
	}
	return out, nil
}

func (r *repo) SaveBalances(ctx context.Context, accounts []domain.Account) error {
	for _, a := range accounts {
		res := r.db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", a.ID).Updates(map[string]any{
			"balance":       a.Balance,
			"recomputed_at": a.RecomputedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("SaveBalances: updating account %s: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("SaveBalances: account %s: %w", a.ID, store.ErrNotFound)
		}
	}
	return nil
}

func (r *repo) InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := make([]domain.Transaction, len(rows))
	copy(batch, rows)
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.NewString()
		}
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).
		CreateInBatches(&batch, insertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("InsertTransactions: inserting %d rows: %w", len(batch), res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *repo) ForeignFingerprints(ctx context.Context, ownerID string, fingerprints []string) ([]string, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	var out []string
	err := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Distinct("fingerprint").
		Where("fingerprint IN ? AND owner_id <> ?", fingerprints, ownerID).
		Pluck("fingerprint", &out).Error
	if err != nil {
		return nil, fmt.Errorf("ForeignFingerprints: querying owner %s: %w", ownerID, err)
	}
	return out, nil
}

func (r *repo) ListTransactions(ctx context.Context, ownerID string, f store.TransactionFilter) ([]domain.Transaction, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if f.Processed != nil {
		q = q.Where("processed = ?", *f.Processed)
	}
	if f.From != nil {
		q = q.Where("date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("date <= ?", *f.To)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []domain.Transaction
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ListTransactions: querying owner %s: %w", ownerID, err)
	}
	return out, nil
}

func (r *repo) SaveTransformed(ctx context.Context, rows []domain.Transaction) error {
	for _, row := range rows {
		res := r.db.WithContext(ctx).Model(&domain.Transaction{}).Where("id = ?", row.ID).Updates(map[string]any{
			"amount":        row.Amount,
			"date":          row.Date,
			"merchant":      row.Merchant,
			"category":      row.Category,
			"type":          row.Type,
			"processed":     row.Processed,
			"reject_reason": row.RejectReason,
			"processed_at":  row.ProcessedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("SaveTransformed: updating transaction %s: %w", row.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("SaveTransformed: transaction %s: %w", row.ID, store.ErrNotFound)
		}
	}
	return nil
}

func (r *repo) CountTransactions(ctx context.Context, ownerID string) (store.Counts, error) {
	var row struct {
		Total     int64
		Processed int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN processed THEN 1 ELSE 0 END), 0) AS processed").
		Where("owner_id = ?", ownerID).
		Scan(&row).Error
	if err != nil {
		return store.Counts{}, fmt.Errorf("CountTransactions: querying owner %s: %w", ownerID, err)
	}
	return store.Counts{Total: row.Total, Processed: row.Processed, Unprocessed: row.Total - row.Processed}, nil
}

func (r *repo) OwnersWithBacklog(ctx context.Context, limit int) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Distinct("owner_id").
		Where("processed = ? AND (reject_reason IS NULL OR reject_reason = '')", false).
		Order("owner_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var owners []string
	if err := q.Pluck("owner_id", &owners).Error; err != nil {
		return nil, fmt.Errorf("OwnersWithBacklog: querying: %w", err)
	}
	return owners, nil
}

func (r *repo) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("processed = ? AND (reject_reason IS NULL OR reject_reason = '')", false).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("CountBacklog: querying: %w", err)
	}
	return n, nil
}

func (r *repo) GetStats(ctx context.Context, ownerID string) (domain.UserStats, error) {
	var s domain.UserStats
	if err := r.db.WithContext(ctx).First(&s, "owner_id = ?", ownerID).Error; err != nil {
		return domain.UserStats{}, fmt.Errorf("GetStats: owner %s: %w", ownerID, mapErr(err))
	}
	return s, nil
}

func (r *repo) SaveStats(ctx context.Context, stats domain.UserStats) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_id"}}, UpdateAll: true}).
		Create(&stats).Error
	if err != nil {
		return fmt.Errorf("SaveStats: upserting owner %s: %w", stats.OwnerID, err)
	}
	return nil
}

// mapErr converts gorm's not-found error to store.ErrNotFound.
func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
