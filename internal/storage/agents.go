package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const agentColumns = `id, fid, creator_fid, status, handle, avatar_url, signer_uuid, private_key,
	style_profile, topic_patterns, keywords, personality, tone, created_at, updated_at`

// CreateAgent persists a new agent record.
func (s *Store) CreateAgent(a Agent) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Fid, a.CreatorFid, string(a.Status), a.Handle, a.AvatarURL, a.SignerUUID, a.PrivateKey,
		a.StyleProfile, a.TopicPatterns, a.Keywords, a.Personality, a.Tone, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting agent for creator %d: %w", a.CreatorFid, err)
	}
	return nil
}

// GetAgentByFid returns the agent whose twin identity is fid.
func (s *Store) GetAgentByFid(fid int64) (Agent, error) {
	return s.getAgent("fid", fid)
}

// GetAgentByCreatorFid returns the agent owned by the given user.
func (s *Store) GetAgentByCreatorFid(creatorFid int64) (Agent, error) {
	return s.getAgent("creator_fid", creatorFid)
}

func (s *Store) getAgent(column string, id int64) (Agent, error) {
	var a Agent
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(
		`SELECT `+agentColumns+` FROM agents WHERE `+column+` = ?`, id,
	).Scan(&a.ID, &a.Fid, &a.CreatorFid, &status, &a.Handle, &a.AvatarURL, &a.SignerUUID, &a.PrivateKey,
		&a.StyleProfile, &a.TopicPatterns, &a.Keywords, &a.Personality, &a.Tone, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	a.Status = AgentStatus(status)
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Agent{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Agent{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus moves the agent owned by creatorFid to the next
// lifecycle status, enforcing the transition rules in CanTransition.
func (s *Store) UpdateAgentStatus(creatorFid int64, next AgentStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM agents WHERE creator_fid = ?`, creatorFid).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if !CanTransition(AgentStatus(current), next) {
		return ErrInvalidTransition{From: AgentStatus(current), To: next}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`UPDATE agents SET status = ?, updated_at = ? WHERE creator_fid = ?`,
		string(next), now, creatorFid); err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return tx.Commit()
}

// UpdateAgentProfile persists the derived style profile fields. Keywords
// and topic patterns live in their own columns because the conversation
// engine reads them directly, not through the opaque profile blob.
func (s *Store) UpdateAgentProfile(creatorFid int64, styleProfile, topicPatterns, keywords, tone string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE agents SET style_profile = ?, topic_patterns = ?, keywords = ?, tone = ?, updated_at = ?
		WHERE creator_fid = ?`,
		styleProfile, topicPatterns, keywords, tone, now, creatorFid,
	)
	if err != nil {
		return fmt.Errorf("updating agent profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrackedFids returns the twin identities of every agent, used to
// keep the upstream webhook subscription in sync.
func (s *Store) ListTrackedFids() ([]int64, error) {
	rows, err := s.db.Query(`SELECT fid FROM agents ORDER BY fid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying tracked fids: %w", err)
	}
	defer rows.Close()

	var fids []int64
	for rows.Next() {
		var fid int64
		if err := rows.Scan(&fid); err != nil {
			return nil, err
		}
		fids = append(fids, fid)
	}
	return fids, rows.Err()
}
