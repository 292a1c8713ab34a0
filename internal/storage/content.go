package storage

import (
	"fmt"
	"time"
)

// InsertCasts bulk-inserts casts, replacing any existing row with the
// same hash so re-imports are idempotent.
func (s *Store) InsertCasts(casts []Cast) error {
	if len(casts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cast insert: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO casts (hash, author_fid, text, created_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing cast insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range casts {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.Hash, c.AuthorFid, c.Text, createdAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting cast %s: %w", c.Hash, err)
		}
	}
	return tx.Commit()
}

// DeleteCastsByFid removes all stored casts for a user, returning the count.
func (s *Store) DeleteCastsByFid(fid int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM casts WHERE author_fid = ?`, fid)
	if err != nil {
		return 0, fmt.Errorf("deleting casts for fid %d: %w", fid, err)
	}
	return res.RowsAffected()
}

// ListCastsByFid returns all stored casts for a user, oldest first.
func (s *Store) ListCastsByFid(fid int64) ([]Cast, error) {
	rows, err := s.db.Query(`
		SELECT hash, author_fid, text, created_at
		FROM casts WHERE author_fid = ? ORDER BY created_at ASC`, fid)
	if err != nil {
		return nil, fmt.Errorf("querying casts for fid %d: %w", fid, err)
	}
	defer rows.Close()

	var casts []Cast
	for rows.Next() {
		var c Cast
		var createdAt string
		if err := rows.Scan(&c.Hash, &c.AuthorFid, &c.Text, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for cast %s: %w", c.Hash, err)
		}
		c.CreatedAt = t
		casts = append(casts, c)
	}
	return casts, rows.Err()
}

// InsertReplies bulk-inserts replies with the same idempotency as InsertCasts.
func (s *Store) InsertReplies(replies []Reply) error {
	if len(replies) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reply insert: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO replies (hash, author_fid, text, parent_text, parent_author_fid, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing reply insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range replies {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.Hash, r.AuthorFid, r.Text, r.ParentText, r.ParentAuthorFid,
			createdAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting reply %s: %w", r.Hash, err)
		}
	}
	return tx.Commit()
}

// DeleteRepliesByFid removes all stored replies for a user, returning the count.
func (s *Store) DeleteRepliesByFid(fid int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM replies WHERE author_fid = ?`, fid)
	if err != nil {
		return 0, fmt.Errorf("deleting replies for fid %d: %w", fid, err)
	}
	return res.RowsAffected()
}

// ListRepliesByFid returns all stored replies for a user, oldest first.
func (s *Store) ListRepliesByFid(fid int64) ([]Reply, error) {
	rows, err := s.db.Query(`
		SELECT hash, author_fid, text, parent_text, parent_author_fid, created_at
		FROM replies WHERE author_fid = ? ORDER BY created_at ASC`, fid)
	if err != nil {
		return nil, fmt.Errorf("querying replies for fid %d: %w", fid, err)
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		var r Reply
		var createdAt string
		if err := rows.Scan(&r.Hash, &r.AuthorFid, &r.Text, &r.ParentText, &r.ParentAuthorFid, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for reply %s: %w", r.Hash, err)
		}
		r.CreatedAt = t
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
