package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketdash/storelink/internal/crypto"
	"github.com/marketdash/storelink/internal/models"
)

type (
	Connection    = models.Connection
	NewConnection = models.NewConnection
	TokenRotation = models.TokenRotation
)

var ErrConnectionNotFound = models.ErrConnectionNotFound

const connectionColumns = `
	id, owner_id, merchant_id, store_name, store_email, store_domain, store_plan,
	store_avatar, store_currency, access_token, refresh_token, token_type,
	expires_at, scope, token_version, is_active, connected_at, updated_at`

// ConnectionStore persists Salla connections in Postgres. Access and refresh
// tokens are encrypted before they reach the database.
type ConnectionStore struct {
	pool   *pgxpool.Pool
	crypto crypto.Encryptor
}

func NewConnectionStore(pool *pgxpool.Pool, encryptor crypto.Encryptor) (*ConnectionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	return &ConnectionStore{pool: pool, crypto: encryptor}, nil
}

// ReplaceActive deactivates the owner's current connections and inserts the
// new one in a single transaction. The id is reserved first so the tokens can
// be sealed to it.
func (s *ConnectionStore) ReplaceActive(ctx context.Context, input NewConnection) (*Connection, error) {
	tokenType := input.TokenType
	if tokenType == "" {
		tokenType = models.DefaultTokenType
	}

	// A concurrent connect for the same owner commits its row while ours waits
	// on salla_connections_one_active_per_owner; the retry deactivates it.
	for attempt := 1; ; attempt++ {
		conn, err := s.replaceActive(ctx, input, tokenType)
		if isUniqueViolation(err) && attempt < maxReplaceAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (s *ConnectionStore) replaceActive(ctx context.Context, input NewConnection, tokenType string) (*Connection, error) {
	var conn *Connection
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('salla_connections', 'id'))`).Scan(&id); err != nil {
			return fmt.Errorf("failed to reserve connection id: %w", err)
		}
		sealed, err := crypto.SealTokens(s.crypto, id, input.AccessToken, input.RefreshToken)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE salla_connections
			SET is_active = FALSE, updated_at = now()
			WHERE owner_id = $1 AND is_active`, input.OwnerID); err != nil {
			return fmt.Errorf("failed to deactivate previous connections: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO salla_connections (
				id, owner_id, merchant_id, store_name, store_email, store_domain, store_plan,
				store_avatar, store_currency, access_token, refresh_token, token_type,
				expires_at, scope
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING`+connectionColumns,
			id,
			input.OwnerID,
			input.Store.MerchantID,
			input.Store.Name,
			input.Store.Email,
			input.Store.Domain,
			input.Store.Plan,
			input.Store.Avatar,
			input.Store.Currency,
			sealed.AccessToken,
			optionalText(sealed.RefreshToken),
			tokenType,
			timestamptz(input.ExpiresAt),
			input.Scope,
		)

		inserted, err := s.scanConnection(row)
		if err != nil {
			return fmt.Errorf("failed to insert connection: %w", err)
		}
		conn = inserted
		return nil
	})
	return conn, err
}

// GetActiveForOwner returns connection id only when it is active and belongs
// to ownerID.
func (s *ConnectionStore) GetActiveForOwner(ctx context.Context, id, ownerID int64) (*Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+connectionColumns+`
		FROM salla_connections
		WHERE id = $1 AND owner_id = $2 AND is_active`, id, ownerID)
	return s.scanOne(row)
}

func (s *ConnectionStore) GetByID(ctx context.Context, id int64) (*Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+connectionColumns+`
		FROM salla_connections
		WHERE id = $1`, id)
	return s.scanOne(row)
}

func (s *ConnectionStore) ListActiveByOwner(ctx context.Context, ownerID int64) ([]*Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+connectionColumns+`
		FROM salla_connections
		WHERE owner_id = $1 AND is_active
		ORDER BY connected_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := make([]*Connection, 0, 1)
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// RotateTokens stores a refreshed token pair if the row is still at
// expectedVersion. It reports false when another writer rotated first. A
// rotation without an expiry keeps the stored one.
func (s *ConnectionStore) RotateTokens(ctx context.Context, id, expectedVersion int64, rotation TokenRotation) (bool, error) {
	sealed, err := crypto.SealTokens(s.crypto, id, rotation.AccessToken, rotation.RefreshToken)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE salla_connections
		SET access_token  = $3,
		    refresh_token = COALESCE($4, refresh_token),
		    token_type    = COALESCE(NULLIF($5, ''), token_type),
		    expires_at    = COALESCE($6, expires_at),
		    scope         = COALESCE(NULLIF($7, ''), scope),
		    token_version = token_version + 1,
		    updated_at    = now()
		WHERE id = $1 AND token_version = $2`,
		id,
		expectedVersion,
		sealed.AccessToken,
		optionalText(sealed.RefreshToken),
		rotation.TokenType,
		timestamptz(rotation.ExpiresAt),
		rotation.Scope,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate tokens: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Deactivate soft-deletes a connection owned by ownerID. Deactivating an
// already inactive or unknown connection is not an error.
func (s *ConnectionStore) Deactivate(ctx context.Context, id, ownerID int64) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE salla_connections
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND is_active`, id, ownerID); err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}
	return nil
}

func (s *ConnectionStore) scanOne(row pgx.Row) (*Connection, error) {
	conn, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	return conn, err
}

func (s *ConnectionStore) scanConnection(row pgx.Row) (*Connection, error) {
	var (
		conn         Connection
		accessToken  string
		refreshToken pgtype.Text
		expiresAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&conn.ID,
		&conn.OwnerID,
		&conn.MerchantID,
		&conn.StoreName,
		&conn.StoreEmail,
		&conn.StoreDomain,
		&conn.StorePlan,
		&conn.StoreAvatar,
		&conn.StoreCurrency,
		&accessToken,
		&refreshToken,
		&conn.TokenType,
		&expiresAt,
		&conn.Scope,
		&conn.TokenVersion,
		&conn.IsActive,
		&conn.ConnectedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	conn.AccessToken, conn.RefreshToken, err = crypto.OpenTokens(s.crypto, conn.ID, crypto.SealedTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken.String,
	})
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		conn.ExpiresAt = &t
	}
	return &conn, nil
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func optionalText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
