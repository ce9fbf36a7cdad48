package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const storeSessionAttempts = 3

const sessionColumns = `id, user_id, context_date, primary_payload, supplementary_payload, created_at, updated_at, is_active`

// StoreSession deactivates any active session for userID and inserts a new
// active one, atomically. The partial unique index on active sessions makes a
// concurrent writer for the same user fail; that conflict is retried.
func (g *Gateway) StoreSession(ctx context.Context, userID, contextDate string, primary, supplementary any) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, invalid("user_id", "must not be empty")
	}
	if strings.TrimSpace(contextDate) == "" {
		return Session{}, invalid("context_date", "must not be empty")
	}
	primaryJSON, err := encodePayload("primary_payload", primary)
	if err != nil {
		return Session{}, err
	}
	supplementaryJSON, err := encodePayload("supplementary_payload", supplementary)
	if err != nil {
		return Session{}, err
	}
	if g.db == nil {
		return Session{}, ErrUnavailable
	}

	var s Session
	for attempt := 1; ; attempt++ {
		now := g.now().UTC()
		s = Session{
			ID:                   g.newID(),
			UserID:               userID,
			ContextDate:          contextDate,
			PrimaryPayload:       payloadOrEmpty(primaryJSON),
			SupplementaryPayload: supplementaryJSON,
			CreatedAt:            now,
			UpdatedAt:            now,
			IsActive:             true,
		}

		err = g.WithUnitOfWork(ctx, func(tx *Tx) error {
			if _, err := tx.Exec(`UPDATE user_sessions SET is_active = ?, updated_at = ? WHERE user_id = ? AND is_active = ?`,
				false, formatTime(now), userID, true); err != nil {
				return fmt.Errorf("deactivating sessions: %w", err)
			}
			_, err := tx.Exec(`INSERT INTO user_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.UserID, s.ContextDate, nullableJSON(primaryJSON), nullableJSON(supplementaryJSON),
				formatTime(now), formatTime(now), true)
			if err != nil {
				return fmt.Errorf("inserting session: %w", err)
			}
			return nil
		})
		if err == nil || !isUniqueViolation(err) || attempt == storeSessionAttempts {
			break
		}
		g.logger.Debug("concurrent session write, retrying", zap.String("user_id", userID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return Session{}, err
	}

	g.logger.Info("stored session", zap.String("user_id", userID), zap.String("session_id", s.ID))
	return s, nil
}

// GetActiveSession returns the active session for userID, or ErrNotFound.
func (g *Gateway) GetActiveSession(ctx context.Context, userID string) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, invalid("user_id", "must not be empty")
	}
	var s Session
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		var err error
		s, err = scanSession(tx.QueryRow(`SELECT `+sessionColumns+` FROM user_sessions WHERE user_id = ? AND is_active = ?`, userID, true))
		return err
	})
	return s, err
}

// GetSession returns a session by ID whether or not it is active.
func (g *Gateway) GetSession(ctx context.Context, id string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, invalid("id", "must not be empty")
	}
	var s Session
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		var err error
		s, err = scanSession(tx.QueryRow(`SELECT `+sessionColumns+` FROM user_sessions WHERE id = ?`, id))
		return err
	})
	return s, err
}

// UpdateSession applies upd to the active session for userID and bumps its
// updated_at. It reports false, with no error, when there is no active session.
func (g *Gateway) UpdateSession(ctx context.Context, userID string, upd SessionUpdate) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, invalid("user_id", "must not be empty")
	}
	if upd.ContextDate != nil && strings.TrimSpace(*upd.ContextDate) == "" {
		return false, invalid("context_date", "must not be empty")
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(g.now())}
	if upd.ContextDate != nil {
		sets = append(sets, "context_date = ?")
		args = append(args, *upd.ContextDate)
	}
	if upd.PrimaryPayload != nil {
		b, err := encodePayload("primary_payload", upd.PrimaryPayload)
		if err != nil {
			return false, err
		}
		sets = append(sets, "primary_payload = ?")
		args = append(args, nullableJSON(b))
	}
	if upd.SupplementaryPayload != nil {
		b, err := encodePayload("supplementary_payload", upd.SupplementaryPayload)
		if err != nil {
			return false, err
		}
		sets = append(sets, "supplementary_payload = ?")
		args = append(args, nullableJSON(b))
	}
	if upd.empty() {
		g.logger.Debug("empty session update touches updated_at only", zap.String("user_id", userID))
	}
	args = append(args, userID, true)

	var updated bool
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`UPDATE user_sessions SET `+strings.Join(sets, ", ")+` WHERE user_id = ? AND is_active = ?`, args...)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		g.logger.Info("updated session", zap.String("user_id", userID))
	}
	return updated, nil
}

// CountActiveUsers returns the number of users holding an active session.
func (g *Gateway) CountActiveUsers(ctx context.Context) (int64, error) {
	var n int64
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		return tx.QueryRow(`SELECT COUNT(DISTINCT user_id) FROM user_sessions WHERE is_active = ?`, true).Scan(&n)
	})
	return n, err
}

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var primary, supplementary sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.UserID, &s.ContextDate, &primary, &supplementary, &createdAt, &updatedAt, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, classify(err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, err
	}
	s.PrimaryPayload = payloadOrEmpty(rawOrNil(primary))
	s.SupplementaryPayload = rawOrNil(supplementary)
	return s, nil
}

func encodePayload(field string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		if !json.Valid(raw) {
			return nil, invalid(field, "not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, invalid(field, err.Error())
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func nullableJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func payloadOrEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return b
}
