package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

var ErrKicked = errors.New("student has been removed from the session")

// SessionManager resolves session tokens to student rows. The token is the
// durable per-client identity; rejoining with the same token resolves to the
// same row instead of creating a duplicate.
type SessionManager struct {
	db     *gorm.DB
	feed   Feed
	logger *zap.Logger
}

func NewSessionManager(db *gorm.DB, feed Feed, logger *zap.Logger) *SessionManager {
	return &SessionManager{db: db, feed: feed, logger: logger}
}

// Join creates a student row keyed by the session token. If the token is
// already bound (page reload, second tab) the existing row is returned
// instead. A kicked row is terminal: joining under it always fails.
func (m *SessionManager) Join(ctx context.Context, sessionID, name string) (*models.Student, error) {
	student := models.Student{Name: name, SessionID: sessionID}
	err := m.db.WithContext(ctx).Create(&student).Error
	if err == nil {
		if err := m.feed.Publish(ctx, TableStudents, EventInsert, student); err != nil {
			m.logger.Warn("student event publish failed", zap.String("student_id", student.ID), zap.Error(err))
		}
		return &student, nil
	}

	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("join session: %w", err)
	}

	// This session already has a row; fall back to fetching it.
	existing, err := m.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// Lookup returns the student bound to a session token. ErrKicked when the
// row is marked kicked, gorm.ErrRecordNotFound when no row exists.
func (m *SessionManager) Lookup(ctx context.Context, sessionID string) (*models.Student, error) {
	var student models.Student
	if err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&student).Error; err != nil {
		return nil, err
	}
	if student.IsKicked {
		return nil, ErrKicked
	}
	return &student, nil
}

// Session builds the per-client presence watcher for a session token.
func (m *SessionManager) Session(sessionID string) *Session {
	return &Session{manager: m, sessionID: sessionID}
}

// Session is one client's durable identity plus kick propagation. Kicked is
// an absorbing state: once set it is never cleared, and every write path
// checks it before doing anything.
type Session struct {
	manager   *SessionManager
	sessionID string

	mu       sync.Mutex
	student  *models.Student
	kicked   bool
	onKicked func()
	cancel   func()
}

// OnKicked registers a callback fired once when the moderator evicts this
// session. Must be set before Start.
func (s *Session) OnKicked(fn func()) {
	s.mu.Lock()
	s.onKicked = fn
	s.mu.Unlock()
}

// Start resumes any student row already bound to this token and watches the
// change feed for rows of this session, in particular for eviction.
func (s *Session) Start(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		s.manager.logger.Warn("session resume failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}

	cancel, err := s.manager.feed.Subscribe(TableStudents, []string{EventInsert, EventUpdate}, func(e Event) {
		var student models.Student
		if err := json.Unmarshal(e.Row, &student); err != nil {
			s.manager.logger.Warn("student event decode failed", zap.Error(err))
			return
		}
		if student.SessionID != s.sessionID {
			return
		}
		s.adopt(&student)
	})
	if err != nil {
		return err
	}
	s.cancel = cancel
	return nil
}

// Close releases the feed subscription.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) resume(ctx context.Context) error {
	var student models.Student
	err := s.manager.db.WithContext(ctx).Where("session_id = ?", s.sessionID).First(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.adopt(&student)
	return nil
}

func (s *Session) adopt(student *models.Student) {
	s.mu.Lock()
	s.student = student
	justKicked := student.IsKicked && !s.kicked
	if student.IsKicked {
		s.kicked = true
	}
	fn := s.onKicked
	s.mu.Unlock()

	if justKicked && fn != nil {
		fn()
	}
}

// Join binds a student identity to this session through the manager.
func (s *Session) Join(ctx context.Context, name string) (*models.Student, error) {
	s.mu.Lock()
	if s.kicked {
		s.mu.Unlock()
		return nil, ErrKicked
	}
	if s.student != nil {
		student := *s.student
		s.mu.Unlock()
		return &student, nil
	}
	s.mu.Unlock()

	student, err := s.manager.Join(ctx, s.sessionID, name)
	if err != nil {
		return nil, err
	}
	s.adopt(student)
	return student, nil
}

// IsKicked reports the terminal eviction state.
func (s *Session) IsKicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

// Student returns a copy of the resolved identity, or nil before joining.
func (s *Session) Student() *models.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.student == nil {
		return nil
	}
	student := *s.student
	return &student
}
