package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tokenbilling/creditledger/internal/billing"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxDeductAttempts bounds internal retries on storage contention before a
// deduction surfaces as a transient failure.
const maxDeductAttempts = 3

// ErrConflict reports that storage contention persisted through all internal
// retries. It carries no business meaning; callers may retry the request.
var ErrConflict = errors.New("ledger: conflict retries exhausted")

// InsufficientBalanceError reports a deduction rejected for lack of credits.
type InsufficientBalanceError struct {
	UserID   uint64
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for user=%d: have %d, need %d", e.UserID, e.Balance, e.Required)
}

// DeductStatus describes how a deduction concluded.
type DeductStatus string

// Deduction outcomes.
const (
	// DeductCommitted marks a fresh successful deduction.
	DeductCommitted DeductStatus = "committed"
	// DeductDuplicate marks an idempotent replay of a committed request.
	DeductDuplicate DeductStatus = "duplicate"
)

// DeductResult carries the outcome of a deduction.
type DeductResult struct {
	Status     DeductStatus       // Fresh commit or idempotent replay.
	Record     models.UsageRecord // The committed usage record.
	NewBalance int64              // Balance after the deduction (fresh commits only).
}

// DeductParams carries everything the ledger persists for one billed call.
type DeductParams struct {
	UserID     uint64
	RequestID  string
	Provider   string
	Model      string
	TenantTier string
	Usage      billing.TokenUsage
	Breakdown  billing.Breakdown
}

// Ledger owns credit balances and the append-only usage record log.
type Ledger struct {
	db    *gorm.DB
	cache *BalanceCache
}

// New constructs a ledger. The cache may be nil; deduction correctness never
// depends on it.
func New(db *gorm.DB, cache *BalanceCache) *Ledger {
	return &Ledger{db: db, cache: cache}
}

// Deduct atomically checks and decrements a user's balance and appends the
// usage record in the same transaction.
//
// The per-user serialization point is the balance row lock; unrelated users
// never contend. A replayed request_id returns the originally committed
// result without touching the balance. On insufficient balance a failed
// record is appended for audit and the balance stays untouched. Transient
// storage conflicts are retried internally up to maxDeductAttempts.
func (l *Ledger) Deduct(ctx context.Context, params DeductParams) (DeductResult, error) {
	if l == nil || l.db == nil {
		return DeductResult{}, errors.New("ledger: nil ledger")
	}
	requestID := strings.TrimSpace(params.RequestID)
	if requestID == "" {
		return DeductResult{}, errors.New("ledger: empty request id")
	}
	if params.UserID == 0 {
		return DeductResult{}, errors.New("ledger: empty user id")
	}
	params.RequestID = requestID

	var lastErr error
	for attempt := 0; attempt < maxDeductAttempts; attempt++ {
		result, errDeduct := l.deductOnce(ctx, params)
		if errDeduct == nil {
			l.cache.Invalidate(ctx, params.UserID)
			return result, nil
		}

		var insufficient *InsufficientBalanceError
		if errors.As(errDeduct, &insufficient) {
			return DeductResult{}, errDeduct
		}
		if isDuplicateKeyErr(errDeduct) {
			// Lost the append race to a concurrent replay; the committed
			// record is authoritative now.
			if prior, errPrior := l.committedRecord(ctx, requestID); errPrior == nil {
				return DeductResult{Status: DeductDuplicate, Record: prior}, nil
			}
		}
		if !isTransientErr(errDeduct) {
			return DeductResult{}, errDeduct
		}
		lastErr = errDeduct
		select {
		case <-ctx.Done():
			return DeductResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}

	return DeductResult{}, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// deductOnce runs one deduction attempt in a single transaction.
func (l *Ledger) deductOnce(ctx context.Context, params DeductParams) (DeductResult, error) {
	var result DeductResult
	var insufficient *InsufficientBalanceError

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Idempotent replay: an existing record settles the request.
		var prior models.UsageRecord
		errPrior := tx.Where("request_id = ?", params.RequestID).Take(&prior).Error
		if errPrior == nil {
			if prior.Status == models.UsageStatusCommitted {
				result = DeductResult{Status: DeductDuplicate, Record: prior}
				return nil
			}
			// A prior failed attempt stays failed; replays do not retry it.
			return &InsufficientBalanceError{
				UserID:   params.UserID,
				Balance:  decodeFailureBalance(prior.FailureDetail),
				Required: params.Breakdown.CreditsDeducted,
			}
		}
		if !errors.Is(errPrior, gorm.ErrRecordNotFound) {
			return errPrior
		}

		credits := params.Breakdown.CreditsDeducted
		now := time.Now().UTC()

		var balance models.CreditBalance
		errBalance := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", params.UserID).
			Take(&balance).Error
		if errBalance != nil && !errors.Is(errBalance, gorm.ErrRecordNotFound) {
			return errBalance
		}
		missingBalance := errors.Is(errBalance, gorm.ErrRecordNotFound)

		have := balance.Amount
		if missingBalance {
			have = 0
		}
		if credits > 0 && have < credits {
			// The failed audit row commits with this transaction; the
			// balance is never touched on this path.
			if errAppend := appendFailedRecord(tx, params, have, now); errAppend != nil {
				return errAppend
			}
			insufficient = &InsufficientBalanceError{
				UserID:   params.UserID,
				Balance:  have,
				Required: credits,
			}
			return nil
		}

		if credits > 0 {
			// Conditional decrement: the WHERE guard is the storage-level
			// second line of defense behind the row lock.
			res := tx.Model(&models.CreditBalance{}).
				Where("user_id = ? AND amount >= ?", params.UserID, credits).
				Updates(map[string]any{
					"amount":                gorm.Expr("amount - ?", credits),
					"last_deduction_at":     now,
					"last_deduction_amount": credits,
					"updated_at":            now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("ledger: conditional decrement lost for user=%d", params.UserID)
			}
			result.NewBalance = balance.Amount - credits
		} else {
			result.NewBalance = balance.Amount
		}

		record := newUsageRecord(params, models.UsageStatusCommitted, now)
		if errCreate := tx.Create(&record).Error; errCreate != nil {
			return errCreate
		}

		result.Status = DeductCommitted
		result.Record = record
		return nil
	})

	if errTx != nil {
		return DeductResult{}, errTx
	}
	if insufficient != nil {
		return DeductResult{}, insufficient
	}
	return result, nil
}

// appendFailedRecord writes the audit row for a rejected deduction.
func appendFailedRecord(tx *gorm.DB, params DeductParams, have int64, now time.Time) error {
	detail, errMarshal := json.Marshal(map[string]any{
		"reason":   "insufficient_balance",
		"balance":  have,
		"required": params.Breakdown.CreditsDeducted,
	})
	if errMarshal != nil {
		return errMarshal
	}
	record := newUsageRecord(params, models.UsageStatusFailed, now)
	record.FailureDetail = datatypes.JSON(detail)
	return tx.Create(&record).Error
}

// newUsageRecord builds the ledger row for one billed call.
func newUsageRecord(params DeductParams, status models.UsageRecordStatus, now time.Time) models.UsageRecord {
	return models.UsageRecord{
		RequestID:        params.RequestID,
		UserID:           params.UserID,
		Provider:         strings.ToLower(strings.TrimSpace(params.Provider)),
		Model:            strings.TrimSpace(params.Model),
		TenantTier:       strings.TrimSpace(params.TenantTier),
		InputTokens:      params.Usage.InputTokens,
		OutputTokens:     params.Usage.OutputTokens,
		CacheWriteTokens: params.Usage.CacheWriteTokens,
		CacheReadTokens:  params.Usage.CacheReadTokens,
		VendorCost:       params.Breakdown.VendorCost,
		MarginMultiplier: params.Breakdown.MarginMultiplier,
		CreditValue:      params.Breakdown.CreditValue,
		CreditsDeducted:  params.Breakdown.CreditsDeducted,
		HighContext:      params.Breakdown.HighContext,
		Status:           status,
		CreatedAt:        now,
	}
}

// committedRecord loads the committed record for a request id.
func (l *Ledger) committedRecord(ctx context.Context, requestID string) (models.UsageRecord, error) {
	var record models.UsageRecord
	errFind := l.db.WithContext(ctx).
		Where("request_id = ? AND status = ?", requestID, models.UsageStatusCommitted).
		Take(&record).Error
	return record, errFind
}

// Grant adds credits to a user's balance, creating the balance row on first
// allocation, and appends the grant to the audit log in the same transaction.
func (l *Ledger) Grant(ctx context.Context, userID uint64, credits int64, source string, expiresAt *time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger: nil ledger")
	}
	if userID == 0 {
		return 0, errors.New("ledger: empty user id")
	}
	if credits <= 0 {
		return 0, errors.New("ledger: grant credits must be positive")
	}

	var newBalance int64
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.CreditBalance
		errBalance := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&balance).Error
		now := time.Now().UTC()
		if errors.Is(errBalance, gorm.ErrRecordNotFound) {
			balance = models.CreditBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
			if errCreate := tx.Create(&balance).Error; errCreate != nil {
				return errCreate
			}
		} else if errBalance != nil {
			return errBalance
		}

		newBalance = balance.Amount + credits
		if errUpdate := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"amount": newBalance, "updated_at": now}).Error; errUpdate != nil {
			return errUpdate
		}

		grant := models.CreditGrant{
			UserID:    userID,
			Credits:   credits,
			Source:    strings.TrimSpace(source),
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}
		return tx.Create(&grant).Error
	})
	if errTx != nil {
		return 0, errTx
	}

	l.cache.Invalidate(ctx, userID)
	return newBalance, nil
}

// ConfigureAllocation sets a user's per-cycle allocation and rollover cap,
// creating the balance row when the user has never held credits.
func (l *Ledger) ConfigureAllocation(ctx context.Context, userID uint64, monthlyAllocation, rolloverCap int64) error {
	if l == nil || l.db == nil {
		return errors.New("ledger: nil ledger")
	}
	if userID == 0 {
		return errors.New("ledger: empty user id")
	}
	if monthlyAllocation < 0 || rolloverCap < 0 {
		return errors.New("ledger: allocation values must not be negative")
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.CreditBalance
		errBalance := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&balance).Error
		now := time.Now().UTC()
		if errors.Is(errBalance, gorm.ErrRecordNotFound) {
			balance = models.CreditBalance{
				UserID:            userID,
				MonthlyAllocation: monthlyAllocation,
				RolloverCap:       rolloverCap,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			return tx.Create(&balance).Error
		}
		if errBalance != nil {
			return errBalance
		}
		return tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"monthly_allocation": monthlyAllocation,
				"rollover_cap":       rolloverCap,
				"updated_at":         now,
			}).Error
	})
}

// ApplyAllocation rolls a user's balance into a new cycle: the carried amount
// is clamped to the rollover cap (a zero cap carries everything), the monthly
// allocation is added on top, and the grant is appended to the audit log.
//
// cycleStart marks the cycle the allocation belongs to; a balance already
// allocated at or after cycleStart is skipped so concurrent granters stay
// idempotent per cycle.
func (l *Ledger) ApplyAllocation(ctx context.Context, userID uint64, cycleStart time.Time) (applied bool, err error) {
	if l == nil || l.db == nil {
		return false, errors.New("ledger: nil ledger")
	}
	cycleStart = cycleStart.UTC()

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.CreditBalance
		if errBalance := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&balance).Error; errBalance != nil {
			return errBalance
		}
		if balance.MonthlyAllocation <= 0 {
			return nil
		}
		if balance.LastAllocatedAt != nil && !balance.LastAllocatedAt.Before(cycleStart) {
			return nil
		}

		carried := balance.Amount
		if balance.RolloverCap > 0 && carried > balance.RolloverCap {
			carried = balance.RolloverCap
		}
		newAmount := carried + balance.MonthlyAllocation

		now := time.Now().UTC()
		if errUpdate := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"amount":            newAmount,
				"last_allocated_at": now,
				"updated_at":        now,
			}).Error; errUpdate != nil {
			return errUpdate
		}

		grant := models.CreditGrant{
			UserID:    userID,
			Credits:   balance.MonthlyAllocation,
			Source:    models.GrantSourceAllocation,
			CreatedAt: now,
		}
		if errCreate := tx.Create(&grant).Error; errCreate != nil {
			return errCreate
		}
		applied = true
		return nil
	})
	if errTx != nil {
		return false, errTx
	}

	if applied {
		l.cache.Invalidate(ctx, userID)
	}
	return applied, nil
}

// Balance returns a user's current credits. Reads may be served from the
// cache; the authoritative value for deduction decisions always comes from
// the locked balance row inside Deduct, never from here.
func (l *Ledger) Balance(ctx context.Context, userID uint64) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger: nil ledger")
	}

	if amount, ok := l.cache.Get(ctx, userID); ok {
		return amount, nil
	}

	var balance models.CreditBalance
	errFind := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errFind
	}

	l.cache.Set(ctx, userID, balance.Amount)
	return balance.Amount, nil
}

// ZeroBalance soft-zeroes a balance on account closure. The row and its
// history remain.
func (l *Ledger) ZeroBalance(ctx context.Context, userID uint64) error {
	if l == nil || l.db == nil {
		return errors.New("ledger: nil ledger")
	}
	now := time.Now().UTC()
	res := l.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"amount": 0, "monthly_allocation": 0, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	l.cache.Invalidate(ctx, userID)
	return nil
}

// decodeFailureBalance extracts the balance recorded on a failed row.
func decodeFailureBalance(detail datatypes.JSON) int64 {
	if len(detail) == 0 {
		return 0
	}
	var payload struct {
		Balance int64 `json:"balance"`
	}
	if errUnmarshal := json.Unmarshal(detail, &payload); errUnmarshal != nil {
		return 0
	}
	return payload.Balance
}

// isDuplicateKeyErr reports whether an error is a unique-constraint breach.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique failed") ||
		strings.Contains(msg, "duplicate key")
}

// isTransientErr reports whether an error represents storage contention
// worth retrying rather than a business-rule violation.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
