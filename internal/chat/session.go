package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"unsgateway/internal/models"
)

// ErrSessionNotFound is returned by SessionStore.Get/Append/Delete for an
// unknown id.
var ErrSessionNotFound = errors.New("chat: session not found")

// SessionStore persists chat sessions (spec §4.H "/chat/session/{id}"
// CRUD, "/chat/sessions" index).
type SessionStore interface {
	Create(ctx context.Context, userID string) (*models.ChatSession, error)
	Get(ctx context.Context, id string) (*models.ChatSession, error)
	List(ctx context.Context, userID string) ([]models.ChatSession, error)
	Append(ctx context.Context, id string, msg models.ChatMessage) error
	Delete(ctx context.Context, id string) error
}

// memSessionStore keeps sessions in memory for the process lifetime — the
// default when no sibling Postgres is configured (spec §1 Non-goals: "no
// guaranteed delivery across process restarts").
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
}

// NewMemorySessionStore builds the in-memory SessionStore.
func NewMemorySessionStore() SessionStore {
	return &memSessionStore{sessions: make(map[string]*models.ChatSession)}
}

func (s *memSessionStore) Create(ctx context.Context, userID string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &models.ChatSession{SessionID: "sess_" + uuid.New().String(), UserID: userID}
	s.sessions[sess.SessionID] = sess
	return sess, nil
}

func (s *memSessionStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	cp.Messages = append([]models.ChatMessage(nil), sess.Messages...)
	return &cp, nil
}

func (s *memSessionStore) List(ctx context.Context, userID string) ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatSession, 0)
	for _, sess := range s.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *memSessionStore) Append(ctx context.Context, id string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Messages = append(sess.Messages, msg)
	return nil
}

func (s *memSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// pgSessionStore persists sessions into the sibling Postgres database's
// chat_sessions table (see internal/sibling), used when POSTGRES_URL is
// configured.
type pgSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore builds a SessionStore backed by the sibling
// database. Callers must have run sibling.Migrate first.
func NewPostgresSessionStore(db *sql.DB) SessionStore {
	return &pgSessionStore{db: db}
}

func (s *pgSessionStore) Create(ctx context.Context, userID string) (*models.ChatSession, error) {
	sess := &models.ChatSession{SessionID: "sess_" + uuid.New().String(), UserID: userID, Messages: []models.ChatMessage{}}
	body, err := json.Marshal(sess.Messages)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, messages, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		sess.SessionID, sess.UserID, body, now)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *pgSessionStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	var userID string
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT user_id, messages FROM chat_sessions WHERE id = $1`, id).Scan(&userID, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var messages []models.ChatMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, err
	}
	return &models.ChatSession{SessionID: id, UserID: userID, Messages: messages}, nil
}

func (s *pgSessionStore) List(ctx context.Context, userID string) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, messages FROM chat_sessions WHERE $1 = '' OR user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ChatSession, 0)
	for rows.Next() {
		var sess models.ChatSession
		var body []byte
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &sess.Messages); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *pgSessionStore) Append(ctx context.Context, id string, msg models.ChatMessage) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, msg)
	body, err := json.Marshal(sess.Messages)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET messages = $1, updated_at = $2 WHERE id = $3`, body, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *pgSessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
