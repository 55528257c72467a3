package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"awards-be/internal/domain"
	"awards-be/pkg/database"
)

// PostgreSQL error codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

const voteUniqueConstraint = "votes_voter_category_key"

// PostgresLedger implements Ledger on PostgreSQL
type PostgresLedger struct {
	db  *database.PostgresDB
	now func() time.Time
}

// NewPostgresLedger creates a ledger on an already migrated database
func NewPostgresLedger(db *database.PostgresDB) *PostgresLedger {
	return &PostgresLedger{db: db, now: clockNow}
}

func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// CastVote records a vote in one transaction. Concurrent votes for the same
// (voter, category) serialize on the unique index and all but one fail.
func (l *PostgresLedger) CastVote(ctx context.Context, in domain.CastVoteInput) (*domain.VoteResult, error) {
	now := l.now()
	email := domain.NormalizeEmail(in.VoterEmail)
	result := &domain.VoteResult{VoteID: uuid.NewString(), CastAt: now}

	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO voters (id, email, first_name, last_name, phone, company, marketing_opt_in, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (email) DO UPDATE SET
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				phone = EXCLUDED.phone,
				company = EXCLUDED.company,
				marketing_opt_in = EXCLUDED.marketing_opt_in,
				updated_at = EXCLUDED.updated_at
			RETURNING id`,
			uuid.NewString(), email,
			in.Profile.FirstName, in.Profile.LastName, in.Profile.Phone, in.Profile.Company,
			in.Profile.MarketingOptIn, now,
		).Scan(&result.VoterID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO votes (id, voter_id, nomination_id, category_id, client_ip, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			result.VoteID, result.VoterID, in.NominationID, in.CategoryID, in.ClientIP, now,
		)
		switch code, constraint := pgErrorCode(err); {
		case code == pgUniqueViolation && constraint == voteUniqueConstraint:
			return domain.ErrAlreadyVoted
		case code == pgForeignKeyViolation:
			return notFound("nomination", in.NominationID)
		case err != nil:
			return err
		}

		var systemVotes, adjustment int64
		var nomineeName string
		err = tx.QueryRow(ctx, `
			UPDATE nominations
			SET system_votes = system_votes + 1, updated_at = $1
			WHERE id = $2 AND category_id = $3
			RETURNING system_votes, manual_vote_adjustment, nominee_name`,
			now, in.NominationID, in.CategoryID,
		).Scan(&systemVotes, &adjustment, &nomineeName)
		if errors.Is(err, pgx.ErrNoRows) {
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
		return pgInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("cast vote", err)
	}
	return result, nil
}

const pgNominationSelect = `
	SELECT id, category_id, nominee_name, nominee_email, state,
	       system_votes, manual_vote_adjustment, system_votes + manual_vote_adjustment, updated_at
	FROM nominations`

func pgScanNomination(row pgx.Row) (*domain.Nomination, error) {
	var n domain.Nomination
	var state string
	err := row.Scan(
		&n.ID, &n.CategoryID, &n.NomineeName, &n.NomineeEmail, &state,
		&n.Count.SystemVotes, &n.Count.ManualVoteAdjustment, &n.Count.DisplayedTotal, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.State = domain.NominationState(state)
	n.Count.NominationID = n.ID
	return &n, nil
}

// SetManualAdjustment sets the adjustment under a row lock
func (l *PostgresLedger) SetManualAdjustment(ctx context.Context, nominationID string, value int64, actor, reason string) (*domain.VoteCount, error) {
	now := l.now()
	var count domain.VoteCount

	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := pgScanNomination(tx.QueryRow(ctx, pgNominationSelect+` WHERE id = $1 FOR UPDATE`, nominationID))
		if errors.Is(err, pgx.ErrNoRows) {
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
		err = tx.QueryRow(ctx, `
			UPDATE nominations
			SET manual_vote_adjustment = $1, updated_at = $2
			WHERE id = $3
			RETURNING system_votes, manual_vote_adjustment`,
			value, now, nominationID,
		).Scan(&systemVotes, &adjustment)
		if code, _ := pgErrorCode(err); code == pgCheckViolation {
			return floorViolation()
		}
		if err != nil {
			return err
		}
		count = domain.NewVoteCount(nominationID, systemVotes, adjustment)

		_, err = tx.Exec(ctx, `
			INSERT INTO vote_adjustments (id, nomination_id, previous_value, new_value, actor, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), nominationID, previous, value, actor, reason, now,
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
		return pgInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("set manual adjustment", err)
	}
	return &count, nil
}

// GetVoteCount returns the counts of a nomination
func (l *PostgresLedger) GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error) {
	n, err := l.GetNomination(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	return &n.Count, nil
}

// GetNomination retrieves a nomination with its counts
func (l *PostgresLedger) GetNomination(ctx context.Context, nominationID string) (*domain.Nomination, error) {
	n, err := pgScanNomination(l.db.Pool.QueryRow(ctx, pgNominationSelect+` WHERE id = $1`, nominationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("nomination", nominationID)
	}
	if err != nil {
		return nil, storageError("get nomination", err)
	}
	return n, nil
}

// GetCategory retrieves a category
func (l *PostgresLedger) GetCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	var c domain.Category
	err := l.db.Pool.QueryRow(ctx, `SELECT id, name, active FROM categories WHERE id = $1`, categoryID).
		Scan(&c.ID, &c.Name, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("category", categoryID)
	}
	if err != nil {
		return nil, storageError("get category", err)
	}
	return &c, nil
}

// SetNominationState applies a moderation decision under a row lock
func (l *PostgresLedger) SetNominationState(ctx context.Context, nominationID string, state domain.NominationState) (*domain.Nomination, error) {
	if !state.Valid() {
		return nil, domain.NewValidationError("state", "must be one of submitted, approved, rejected")
	}
	now := l.now()
	var out *domain.Nomination

	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := pgScanNomination(tx.QueryRow(ctx, pgNominationSelect+` WHERE id = $1 FOR UPDATE`, nominationID))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("nomination", nominationID)
		}
		if err != nil {
			return err
		}
		out = n
		if n.State == state {
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE nominations SET state = $1, updated_at = $2 WHERE id = $3`,
			string(state), now, nominationID); err != nil {
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
		return pgInsertOutbox(ctx, tx, entry)
	})
	if err != nil {
		return nil, storageError("set nomination state", err)
	}
	return out, nil
}

// ListCategoryTotals lists approved nominations by displayed total
func (l *PostgresLedger) ListCategoryTotals(ctx context.Context, categoryID string) ([]domain.Nomination, error) {
	rows, err := l.db.Pool.Query(ctx, pgNominationSelect+`
		WHERE category_id = $1 AND state = 'approved'
		ORDER BY system_votes + manual_vote_adjustment DESC, nominee_name ASC`, categoryID)
	if err != nil {
		return nil, storageError("list category totals", err)
	}
	defer rows.Close()

	nominations := []domain.Nomination{}
	for rows.Next() {
		n, err := pgScanNomination(rows)
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
func (l *PostgresLedger) ListAdjustments(ctx context.Context, nominationID string) ([]domain.VoteAdjustment, error) {
	rows, err := l.db.Pool.Query(ctx, `
		SELECT id, nomination_id, previous_value, new_value, actor, reason, created_at
		FROM vote_adjustments
		WHERE nomination_id = $1
		ORDER BY created_at ASC`, nominationID)
	if err != nil {
		return nil, storageError("list adjustments", err)
	}
	defer rows.Close()

	adjustments := []domain.VoteAdjustment{}
	for rows.Next() {
		var a domain.VoteAdjustment
		if err := rows.Scan(&a.ID, &a.NominationID, &a.PreviousValue, &a.NewValue, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, storageError("scan adjustment", err)
		}
		adjustments = append(adjustments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list adjustments", err)
	}
	return adjustments, nil
}

// UpsertCategory creates or updates a category
func (l *PostgresLedger) UpsertCategory(ctx context.Context, c *domain.Category) error {
	_, err := l.db.Pool.Exec(ctx, `
		INSERT INTO categories (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		c.ID, c.Name, c.Active)
	if err != nil {
		return storageError("upsert category", err)
	}
	return nil
}

// UpsertNomination creates a nomination or updates its descriptive fields
func (l *PostgresLedger) UpsertNomination(ctx context.Context, n *domain.Nomination) error {
	state := n.State
	if state == "" {
		state = domain.NominationSubmitted
	}
	_, err := l.db.Pool.Exec(ctx, `
		INSERT INTO nominations (id, category_id, nominee_name, nominee_email, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			nominee_name = EXCLUDED.nominee_name,
			nominee_email = EXCLUDED.nominee_email,
			updated_at = EXCLUDED.updated_at`,
		n.ID, n.CategoryID, n.NomineeName, n.NomineeEmail, string(state), l.now())
	if err != nil {
		return storageError("upsert nomination", err)
	}
	return nil
}

// Health checks the database
func (l *PostgresLedger) Health(ctx context.Context) error {
	return l.db.Health(ctx)
}
