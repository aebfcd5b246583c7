package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokens"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectTx        = "transaction"
	errorSubjectPackage   = "package"
	errorSubjectRequest   = "request"
	errorSubjectWebhook   = "webhook"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeStats        = "stats"
	errorCodeUpdate       = "update"
)

// Store implements tokens.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// forUpdate adds a row lock on dialects that support SELECT ... FOR UPDATE.
func (store *Store) forUpdate(query *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == dialectPostgres {
		return query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func (store *Store) GetOrCreateBalance(ctx context.Context, owner tokens.TokenOwner, initial tokens.BalanceUpdate) (tokens.TokenBalance, error) {
	var row TokenBalanceRow
	err := store.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Take(&row).Error
	if err == nil {
		return mapBalance(owner, row)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return tokens.TokenBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	row = TokenBalanceRow{
		OwnerKind:              owner.Kind().String(),
		OwnerID:                owner.ID(),
		FreeBalance:            initial.FreeBalance,
		PaidBalance:            initial.PaidBalance,
		Balance:                initial.Balance,
		TotalConsumed:          initial.TotalConsumed,
		MonthlyConsumed:        initial.MonthlyConsumed,
		FreeBalanceResetAt:     time.Unix(initial.FreeBalanceResetUnixUTC, 0).UTC(),
		MonthlyConsumedResetAt: time.Unix(initial.MonthlyConsumedResetUnixUTC, 0).UTC(),
	}
	createErr := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if createErr != nil && !isUniqueViolation(createErr) {
		return tokens.TokenBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
	}
	// Re-read so a concurrent creator's row wins over our template.
	err = store.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Take(&row).Error
	if err != nil {
		return tokens.TokenBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(owner, row)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, owner tokens.TokenOwner) (tokens.TokenBalance, error) {
	var row TokenBalanceRow
	err := store.forUpdate(store.db.WithContext(ctx)).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Take(&row).Error
	if err != nil {
		return tokens.TokenBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(owner, row)
}

func (store *Store) UpdateBalance(ctx context.Context, owner tokens.TokenOwner, update tokens.BalanceUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&TokenBalanceRow{}).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Updates(map[string]interface{}{
			"free_balance":              update.FreeBalance,
			"paid_balance":              update.PaidBalance,
			"balance":                   update.Balance,
			"total_consumed":            update.TotalConsumed,
			"monthly_consumed":          update.MonthlyConsumed,
			"free_balance_reset_at":     time.Unix(update.FreeBalanceResetUnixUTC, 0).UTC(),
			"monthly_consumed_reset_at": time.Unix(update.MonthlyConsumedResetUnixUTC, 0).UTC(),
			"updated_at":                time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction tokens.Transaction) error {
	row := TokenTransactionRow{
		TransactionID: transaction.TransactionID,
		OwnerKind:     transaction.Owner.Kind().String(),
		OwnerID:       transaction.Owner.ID(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter,
		Description:   transaction.Description,
		Reference:     transaction.Reference,
		PriceCents:    transaction.PriceCents,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, owner tokens.TokenOwner, beforeUnixUTC int64, limit int) ([]tokens.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []TokenTransactionRow
	err := store.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ? AND created_at < ?", owner.Kind().String(), owner.ID(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}

	transactions := make([]tokens.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) PurchaseStats(ctx context.Context, owner tokens.TokenOwner, sinceUnixUTC int64) (tokens.PurchaseStats, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var purchases struct {
		Cents  int64
		Tokens int64
	}
	err := store.db.WithContext(ctx).
		Model(&TokenTransactionRow{}).
		Select("coalesce(sum(price_cents),0) as cents, coalesce(sum(amount),0) as tokens").
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Where("type = ? AND created_at >= ?", tokens.TransactionPurchase.String(), since).
		Scan(&purchases).Error
	if err != nil {
		return tokens.PurchaseStats{}, wrapStoreError(errorSubjectTx, errorCodeStats, err)
	}
	var usage struct {
		Tokens int64
	}
	err = store.db.WithContext(ctx).
		Model(&TokenTransactionRow{}).
		Select("coalesce(sum(-amount),0) as tokens").
		Where("owner_kind = ? AND owner_id = ?", owner.Kind().String(), owner.ID()).
		Where("type = ? AND created_at >= ?", tokens.TransactionConsumption.String(), since).
		Scan(&usage).Error
	if err != nil {
		return tokens.PurchaseStats{}, wrapStoreError(errorSubjectTx, errorCodeStats, err)
	}
	return tokens.PurchaseStats{
		MonthlyPurchaseCents:  purchases.Cents,
		MonthlyPurchaseTokens: purchases.Tokens,
		MonthlyUsage:          usage.Tokens,
	}, nil
}

func (store *Store) FindPackage(ctx context.Context, packageID string) (tokens.TokenPackage, error) {
	var row TokenPackageRow
	err := store.db.WithContext(ctx).
		Where("package_id = ?", packageID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokens.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, tokens.ErrPackageNotFound)
		}
		return tokens.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return mapPackage(row), nil
}

func (store *Store) ListPackages(ctx context.Context) ([]tokens.TokenPackage, error) {
	var rows []TokenPackageRow
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("price_cents ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	packages := make([]tokens.TokenPackage, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, mapPackage(row))
	}
	return packages, nil
}

func (store *Store) CreatePurchaseRequest(ctx context.Context, request tokens.PurchaseRequest) error {
	row := PurchaseRequestRow{
		RequestID:   request.RequestID,
		ChildID:     request.ChildID,
		PackageID:   request.PackageID,
		TokenAmount: request.TokenAmount,
		PriceCents:  request.PriceCents,
		Status:      request.Status.String(),
		RequestedAt: time.Unix(request.RequestedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRequest, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchaseRequest(ctx context.Context, requestID string) (tokens.PurchaseRequest, error) {
	var row PurchaseRequestRow
	err := store.forUpdate(store.db.WithContext(ctx)).
		Where("request_id = ?", requestID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokens.PurchaseRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, tokens.ErrRequestNotFound)
		}
		return tokens.PurchaseRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	return mapRequest(row)
}

func (store *Store) ListPurchaseRequestsByChild(ctx context.Context, childID string) ([]tokens.PurchaseRequest, error) {
	var rows []PurchaseRequestRow
	err := store.db.WithContext(ctx).
		Where("child_id = ?", childID).
		Order("requested_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	return mapRequests(rows)
}

func (store *Store) ListPendingPurchaseRequests(ctx context.Context, childIDs []string) ([]tokens.PurchaseRequest, error) {
	if len(childIDs) == 0 {
		return []tokens.PurchaseRequest{}, nil
	}
	var rows []PurchaseRequestRow
	err := store.db.WithContext(ctx).
		Where("child_id IN ? AND status = ?", childIDs, tokens.RequestPending.String()).
		Order("requested_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	return mapRequests(rows)
}

func (store *Store) TransitionPurchaseRequest(ctx context.Context, requestID string, from tokens.PurchaseRequestStatus, to tokens.PurchaseRequestStatus, decision tokens.Decision) error {
	decidedAt := time.Unix(decision.DecidedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PurchaseRequestRow{}).
		Where("request_id = ? AND status = ?", requestID, from.String()).
		Updates(map[string]interface{}{
			"status":           to.String(),
			"decided_at":       &decidedAt,
			"decided_by":       decision.DecidedBy,
			"rejection_reason": decision.RejectionReason,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, tokens.ErrAlreadyProcessed)
	}
	return nil
}

func (store *Store) SetCheckoutSession(ctx context.Context, requestID string, sessionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseRequestRow{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{
			"checkout_session_id": sessionID,
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, tokens.ErrRequestNotFound)
	}
	return nil
}

func (store *Store) GetWebhookEvent(ctx context.Context, eventID string) (tokens.WebhookRecord, bool, error) {
	var row WebhookEventRow
	err := store.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tokens.WebhookRecord{}, false, nil
	}
	if err != nil {
		return tokens.WebhookRecord{}, false, wrapStoreError(errorSubjectWebhook, errorCodeGet, err)
	}
	outcome, err := tokens.ParseWebhookOutcome(row.Outcome)
	if err != nil {
		return tokens.WebhookRecord{}, false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	return tokens.WebhookRecord{
		EventID:          row.EventID,
		Type:             row.Type,
		Outcome:          outcome,
		ProcessedUnixUTC: row.ProcessedAt.Unix(),
	}, true, nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, record tokens.WebhookRecord) error {
	row := WebhookEventRow{
		EventID:     record.EventID,
		Type:        record.Type,
		Outcome:     record.Outcome.String(),
		ProcessedAt: time.Unix(record.ProcessedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWebhook, errorCodeDuplicate, tokens.ErrEventAlreadyRecorded)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokens.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(owner tokens.TokenOwner, row TokenBalanceRow) (tokens.TokenBalance, error) {
	balance := tokens.TokenBalance{
		Owner:                       owner,
		FreeBalance:                 row.FreeBalance,
		PaidBalance:                 row.PaidBalance,
		Balance:                     row.Balance,
		TotalConsumed:               row.TotalConsumed,
		MonthlyConsumed:             row.MonthlyConsumed,
		FreeBalanceResetUnixUTC:     row.FreeBalanceResetAt.Unix(),
		MonthlyConsumedResetUnixUTC: row.MonthlyConsumedResetAt.Unix(),
	}
	return balance, nil
}

func mapPackage(row TokenPackageRow) tokens.TokenPackage {
	return tokens.TokenPackage{
		PackageID:     row.PackageID,
		Name:          row.Name,
		TokenAmount:   row.TokenAmount,
		PriceCents:    row.PriceCents,
		StripePriceID: row.StripePriceID,
		DiscountRate:  row.DiscountRate,
		Active:        row.Active,
	}
}

func mapTransaction(row TokenTransactionRow) (tokens.Transaction, error) {
	kind, err := tokens.ParseOwnerKind(row.OwnerKind)
	if err != nil {
		return tokens.Transaction{}, err
	}
	owner, err := tokens.NewTokenOwner(kind, row.OwnerID)
	if err != nil {
		return tokens.Transaction{}, err
	}
	transactionType, err := tokens.ParseTransactionType(row.Type)
	if err != nil {
		return tokens.Transaction{}, err
	}
	return tokens.Transaction{
		TransactionID:  row.TransactionID,
		Owner:          owner,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Description:    row.Description,
		Reference:      row.Reference,
		PriceCents:     row.PriceCents,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapRequests(rows []PurchaseRequestRow) ([]tokens.PurchaseRequest, error) {
	requests := make([]tokens.PurchaseRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func mapRequest(row PurchaseRequestRow) (tokens.PurchaseRequest, error) {
	status, err := tokens.ParsePurchaseRequestStatus(row.Status)
	if err != nil {
		return tokens.PurchaseRequest{}, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
	}
	return tokens.PurchaseRequest{
		RequestID:         row.RequestID,
		ChildID:           row.ChildID,
		PackageID:         row.PackageID,
		TokenAmount:       row.TokenAmount,
		PriceCents:        row.PriceCents,
		Status:            status,
		RequestedUnixUTC:  row.RequestedAt.Unix(),
		DecidedUnixUTC:    timeOrZero(row.DecidedAt),
		DecidedBy:         row.DecidedBy,
		RejectionReason:   row.RejectionReason,
		CheckoutSessionID: row.CheckoutSessionID,
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
