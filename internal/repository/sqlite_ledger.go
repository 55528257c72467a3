package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"awards-be/internal/domain"
	"awards-be/pkg/database"
)

// SQLiteLedger implements Ledger on an embedded SQLite database
type SQLiteLedger struct {
	db  *database.SQLiteDB
	now func() time.Time
}

// NewSQLiteLedger creates a ledger on an already migrated database
func NewSQLiteLedger(db *database.SQLiteDB) *SQLiteLedger {
	return &SQLiteLedger{db: db, now: clockNow}
}

func clockNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// isSQLiteConstraint reports a constraint failure whose message mentions detail
func isSQLiteConstraint(err error, detail string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), detail)
}

// CastVote records a vote in one transaction
func (l *SQLiteLedger) CastVote(ctx context.Context, in domain.CastVoteInput) (*domain.VoteResult, error) {
	now := l.now()
	email := domain.NormalizeEmail(in.VoterEmail)
	result := &domain.VoteResult{VoteID: uuid.NewString(), CastAt: now}

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO voters (id, email, first_name, last_name, phone, company, marketing_opt_in, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (email) DO UPDATE SET
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				phone = excluded.phone,
				company = excluded.company,
				marketing_opt_in = excluded.marketing_opt_in,
				updated_at = excluded.updated_at
			RETURNING id`,
			uuid.NewString(), email,
			in.Profile.FirstName, in.Profile.LastName, in.Profile.Phone, in.Profile.Company,
			in.Profile.MarketingOptIn, toMicros(now), toMicros(now),
		).Scan(&result.VoterID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO votes (id, voter_id, nomination_id, category_id, client_ip, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.VoteID, result.VoterID, in.NominationID, in.CategoryID, in.ClientIP, toMicros(now),
		)
		if isSQLiteConstraint(err, "votes.voter_id") {
			return domain.ErrAlreadyVoted
		}
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return notFound("nomination", in.NominationID)
		}
		if err != nil {
			return err
		}

		var systemVotes, adjustment int64
		var nomineeName string
		err = tx.QueryRowContext(ctx, `
			UPDATE nominations
			SET system_votes = system_votes + 1, updated_at = ?
			WHERE id = ? AND category_id = ?
			RETURNING system_votes, manual_vote_adjustment, nominee_name`,
			toMicros(now), in.NominationID, in.CategoryID,
		).Scan(&systemVotes, &adjustment, &nomineeName)
		if err == sql.ErrNoRows {
			return notFound("nomination", in.NominationID)
		}
		if err != nil {
			return err
		}
		result.Count = domain.NewVoteCount(in.NominationID, systemVotes, adjustment)

		entry, err := newOutboxEntry(domain.EventVoteCast, result.VoteID, domain.VoteCastPayload{
			VoteID:         result.VoteID,
			VoterEmail:     email,
			Profile:        in.Profile,
			NominationID:   in.NominationID,
			CategoryID:     in.CategoryID,
			NomineeName:    nomineeName,
			DisplayedTotal: result.Count.DisplayedTotal,
			CastAt:         now,
		}, now)
		if err != nil {
			return err
		}
		return sqliteInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("cast vote", err)
	}
	return result, nil
}

// SetManualAdjustment sets the adjustment; an unchanged value is a no-op
func (l *SQLiteLedger) SetManualAdjustment(ctx context.Context, nominationID string, value int64, actor, reason string) (*domain.VoteCount, error) {
	now := l.now()
	var count domain.VoteCount

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := sqliteScanNomination(tx.QueryRowContext(ctx, sqliteNominationSelect+` WHERE id = ?`, nominationID))
		if err == sql.ErrNoRows {
			return notFound("nomination", nominationID)
		}
		if err != nil {
			return err
		}

		previous := n.Count.ManualVoteAdjustment
		if previous == value {
			count = n.Count
			return nil
		}
		if n.Count.SystemVotes+value < 0 {
			return floorViolation()
		}

		var systemVotes, adjustment int64
		err = tx.QueryRowContext(ctx, `
			UPDATE nominations
			SET manual_vote_adjustment = ?, updated_at = ?
			WHERE id = ?
			RETURNING system_votes, manual_vote_adjustment`,
			value, toMicros(now), nominationID,
		).Scan(&systemVotes, &adjustment)
		if isSQLiteConstraint(err, "CHECK") {
			return floorViolation()
		}
		if err != nil {
			return err
		}
		count = domain.NewVoteCount(nominationID, systemVotes, adjustment)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO vote_adjustments (id, nomination_id, previous_value, new_value, actor, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), nominationID, previous, value, actor, reason, toMicros(now),
		)
		if err != nil {
			return err
		}

		entry, err := newOutboxEntry(domain.EventVoteAdjusted, nominationID, domain.VoteAdjustedPayload{
			NominationID:         nominationID,
			CategoryID:           n.CategoryID,
			NomineeName:          n.NomineeName,
			State:                n.State,
			SystemVotes:          count.SystemVotes,
			ManualVoteAdjustment: count.ManualVoteAdjustment,
			DisplayedTotal:       count.DisplayedTotal,
			Actor:                actor,
		}, now)
		if err != nil {
			return err
		}
		return sqliteInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("set manual adjustment", err)
	}
	return &count, nil
}

// GetVoteCount returns the counts of a nomination
func (l *SQLiteLedger) GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error) {
	n, err := l.GetNomination(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	return &n.Count, nil
}

const sqliteNominationSelect = `
	SELECT id, category_id, nominee_name, nominee_email, state,
	       system_votes, manual_vote_adjustment, system_votes + manual_vote_adjustment, updated_at
	FROM nominations`

func sqliteScanNomination(row interface{ Scan(...any) error }) (*domain.Nomination, error) {
	var n domain.Nomination
	var updatedAt int64
	err := row.Scan(
		&n.ID, &n.CategoryID, &n.NomineeName, &n.NomineeEmail, &n.State,
		&n.Count.SystemVotes, &n.Count.ManualVoteAdjustment, &n.Count.DisplayedTotal, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Count.NominationID = n.ID
	n.UpdatedAt = fromMicros(updatedAt)
	return &n, nil
}

// GetNomination retrieves a nomination with its counts
func (l *SQLiteLedger) GetNomination(ctx context.Context, nominationID string) (*domain.Nomination, error) {
	n, err := sqliteScanNomination(l.db.DB.QueryRowContext(ctx, sqliteNominationSelect+` WHERE id = ?`, nominationID))
	if err == sql.ErrNoRows {
		return nil, notFound("nomination", nominationID)
	}
	if err != nil {
		return nil, storageError("get nomination", err)
	}
	return n, nil
}

// GetCategory retrieves a category
func (l *SQLiteLedger) GetCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	var c domain.Category
	err := l.db.DB.QueryRowContext(ctx, `SELECT id, name, active FROM categories WHERE id = ?`, categoryID).
		Scan(&c.ID, &c.Name, &c.Active)
	if err == sql.ErrNoRows {
		return nil, notFound("category", categoryID)
	}
	if err != nil {
		return nil, storageError("get category", err)
	}
	return &c, nil
}

// SetNominationState applies a moderation decision
func (l *SQLiteLedger) SetNominationState(ctx context.Context, nominationID string, state domain.NominationState) (*domain.Nomination, error) {
	if !state.Valid() {
		return nil, domain.NewValidationError("state", "must be one of submitted, approved, rejected")
	}
	now := l.now()
	var out *domain.Nomination

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := sqliteScanNomination(tx.QueryRowContext(ctx, sqliteNominationSelect+` WHERE id = ?`, nominationID))
		if err == sql.ErrNoRows {
			return notFound("nomination", nominationID)
		}
		if err != nil {
			return err
		}
		out = n
		if n.State == state {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE nominations SET state = ?, updated_at = ? WHERE id = ?`,
			state, toMicros(now), nominationID); err != nil {
			return err
		}
		n.State = state
		n.UpdatedAt = now

		eventType, ok := nominationEvent(state)
		if !ok {
			return nil
		}
		entry, err := newOutboxEntry(eventType, nominationID, domain.NominationPayload{
			NominationID:   n.ID,
			CategoryID:     n.CategoryID,
			NomineeName:    n.NomineeName,
			NomineeEmail:   n.NomineeEmail,
			State:          state,
			DisplayedTotal: n.Count.DisplayedTotal,
		}, now)
		if err != nil {
			return err
		}
		return sqliteInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("set nomination state", err)
	}
	return out, nil
}

// ListCategoryTotals lists approved nominations by displayed total
func (l *SQLiteLedger) ListCategoryTotals(ctx context.Context, categoryID string) ([]domain.Nomination, error) {
	rows, err := l.db.DB.QueryContext(ctx, sqliteNominationSelect+`
		WHERE category_id = ? AND state = 'approved'
		ORDER BY system_votes + manual_vote_adjustment DESC, nominee_name ASC`, categoryID)
	if err != nil {
		return nil, storageError("list category totals", err)
	}
	defer rows.Close()

	nominations := []domain.Nomination{}
	for rows.Next() {
		n, err := sqliteScanNomination(rows)
		if err != nil {
			return nil, storageError("scan nomination", err)
		}
		nominations = append(nominations, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list category totals", err)
	}
	return nominations, nil
}

// ListAdjustments returns the audit trail of a nomination
func (l *SQLiteLedger) ListAdjustments(ctx context.Context, nominationID string) ([]domain.VoteAdjustment, error) {
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT id, nomination_id, previous_value, new_value, actor, reason, created_at
		FROM vote_adjustments
		WHERE nomination_id = ?
		ORDER BY created_at ASC, rowid ASC`, nominationID)
	if err != nil {
		return nil, storageError("list adjustments", err)
	}
	defer rows.Close()

	adjustments := []domain.VoteAdjustment{}
	for rows.Next() {
		var a domain.VoteAdjustment
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.NominationID, &a.PreviousValue, &a.NewValue, &a.Actor, &a.Reason, &createdAt); err != nil {
			return nil, storageError("scan adjustment", err)
		}
		a.CreatedAt = fromMicros(createdAt)
		adjustments = append(adjustments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list adjustments", err)
	}
	return adjustments, nil
}

// UpsertCategory creates or updates a category
func (l *SQLiteLedger) UpsertCategory(ctx context.Context, c *domain.Category) error {
	_, err := l.db.DB.ExecContext(ctx, `
		INSERT INTO categories (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		c.ID, c.Name, c.Active)
	if err != nil {
		return storageError("upsert category", err)
	}
	return nil
}

// UpsertNomination creates a nomination or updates its descriptive fields
func (l *SQLiteLedger) UpsertNomination(ctx context.Context, n *domain.Nomination) error {
	state := n.State
	if state == "" {
		state = domain.NominationSubmitted
	}
	_, err := l.db.DB.ExecContext(ctx, `
		INSERT INTO nominations (id, category_id, nominee_name, nominee_email, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			nominee_name = excluded.nominee_name,
			nominee_email = excluded.nominee_email,
			updated_at = excluded.updated_at`,
		n.ID, n.CategoryID, n.NomineeName, n.NomineeEmail, state, toMicros(l.now()))
	if err != nil {
		return storageError("upsert nomination", err)
	}
	return nil
}

// Health checks the database
func (l *SQLiteLedger) Health(ctx context.Context) error {
	return l.db.Health(ctx)
}
