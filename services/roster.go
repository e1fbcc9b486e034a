package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

var ErrStudentNotFound = errors.New("student not found")

// Roster is the moderator's view of the non-kicked students. It refetches on
// every students-table event rather than patching from payloads, and Kick
// performs no optimistic local update: correctness here is not
// latency-sensitive, so the change-feed round trip is the only write-back.
type Roster struct {
	db     *gorm.DB
	feed   Feed
	logger *zap.Logger

	mu       sync.Mutex
	students []models.Student
	cancel   func()
}

func NewRoster(db *gorm.DB, feed Feed, logger *zap.Logger) *Roster {
	return &Roster{db: db, feed: feed, logger: logger}
}

// Start performs the initial fetch and subscribes to students-table events.
func (r *Roster) Start(ctx context.Context) error {
	if err := r.fetch(ctx); err != nil {
		r.logger.Warn("initial roster fetch failed", zap.Error(err))
	}

	cancel, err := r.feed.Subscribe(TableStudents, []string{"*"}, func(Event) {
		if err := r.fetch(context.Background()); err != nil {
			r.logger.Warn("roster refetch failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	r.cancel = cancel
	return nil
}

// Close releases the feed subscription.
func (r *Roster) Close() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Roster) fetch(ctx context.Context) error {
	var students []models.Student
	if err := r.db.WithContext(ctx).Where("is_kicked = ?", false).
		Order("created_at DESC").Find(&students).Error; err != nil {
		return fmt.Errorf("fetch students: %w", err)
	}

	r.mu.Lock()
	r.students = students
	r.mu.Unlock()
	return nil
}

// Students returns a copy of the current roster.
func (r *Roster) Students() []models.Student {
	r.mu.Lock()
	defer r.mu.Unlock()
	students := make([]models.Student, len(r.students))
	copy(students, r.students)
	return students
}

// Kick marks a student as removed. The flag is terminal; it is never
// cleared. Local state is left untouched until the feed event comes back.
func (r *Roster) Kick(ctx context.Context, studentID string) error {
	result := r.db.WithContext(ctx).Model(&models.Student{}).
		Where("id = ?", studentID).Update("is_kicked", true)
	if result.Error != nil {
		return fmt.Errorf("kick student: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStudentNotFound
	}

	var student models.Student
	if err := r.db.WithContext(ctx).First(&student, "id = ?", studentID).Error; err != nil {
		return fmt.Errorf("kick student: %w", err)
	}
	if err := r.feed.Publish(ctx, TableStudents, EventUpdate, student); err != nil {
		r.logger.Warn("kick event publish failed", zap.String("student_id", studentID), zap.Error(err))
	}
	return nil
}
