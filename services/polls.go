package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

const (
	minPollOptions  = 2
	maxPollOptions  = 6
	minPollDuration = 10
	maxPollDuration = 300
)

type OptionInput struct {
	Text      string `json:"text" binding:"required"`
	IsCorrect bool   `json:"is_correct"`
}

type CreatePollRequest struct {
	Question        string        `json:"question" binding:"required"`
	Options         []OptionInput `json:"options" binding:"required"`
	DurationSeconds int           `json:"duration_seconds" binding:"required"`
}

// PollService owns the poll lifecycle on behalf of the moderator: creation
// (which displaces any currently active poll, keeping the one-active-poll
// invariant), ending, and the history projection.
type PollService struct {
	db     *gorm.DB
	feed   Feed
	logger *zap.Logger
}

func NewPollService(db *gorm.DB, feed Feed, logger *zap.Logger) *PollService {
	return &PollService{db: db, feed: feed, logger: logger}
}

// Create deactivates whatever poll is active and inserts the new poll with
// its options in one transaction, so at no point are two polls active.
func (s *PollService) Create(ctx context.Context, req *CreatePollRequest) (*models.Poll, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errors.New("question is required")
	}
	if len(req.Options) < minPollOptions || len(req.Options) > maxPollOptions {
		return nil, fmt.Errorf("polls need between %d and %d options", minPollOptions, maxPollOptions)
	}
	for _, opt := range req.Options {
		if strings.TrimSpace(opt.Text) == "" {
			return nil, errors.New("option text is required")
		}
	}
	if req.DurationSeconds < minPollDuration || req.DurationSeconds > maxPollDuration {
		return nil, fmt.Errorf("duration must be between %d and %d seconds", minPollDuration, maxPollDuration)
	}

	now := time.Now().UTC()
	poll := models.Poll{
		Question:        question,
		DurationSeconds: req.DurationSeconds,
		StartedAt:       &now,
		IsActive:        true,
	}

	var displaced []models.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("is_active = ?", true).Find(&displaced).Error; err != nil {
			return err
		}
		if len(displaced) > 0 {
			if err := tx.Model(&models.Poll{}).Where("is_active = ?", true).
				Updates(map[string]interface{}{"is_active": false, "ended_at": now}).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(&poll).Error; err != nil {
			return err
		}

		options := make([]models.PollOption, len(req.Options))
		for i, opt := range req.Options {
			options[i] = models.PollOption{
				PollID:      poll.ID,
				Text:        strings.TrimSpace(opt.Text),
				OptionIndex: i,
				IsCorrect:   opt.IsCorrect,
			}
		}
		if err := tx.Create(&options).Error; err != nil {
			return err
		}
		poll.Options = options
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create poll: %w", err)
	}

	// One event per affected row; subscribers refetch on any of them.
	for i := range displaced {
		displaced[i].IsActive = false
		displaced[i].EndedAt = &now
		if err := s.feed.Publish(ctx, TablePolls, EventUpdate, displaced[i]); err != nil {
			s.logger.Warn("poll event publish failed", zap.String("poll_id", displaced[i].ID), zap.Error(err))
		}
	}
	if err := s.feed.Publish(ctx, TablePolls, EventInsert, poll); err != nil {
		s.logger.Warn("poll event publish failed", zap.String("poll_id", poll.ID), zap.Error(err))
	}
	for _, opt := range poll.Options {
		if err := s.feed.Publish(ctx, TablePollOptions, EventInsert, opt); err != nil {
			s.logger.Warn("option event publish failed", zap.String("option_id", opt.ID), zap.Error(err))
		}
	}

	s.logger.Info("poll created",
		zap.String("poll_id", poll.ID),
		zap.Int("options", len(poll.Options)),
		zap.Int("duration_seconds", poll.DurationSeconds))

	go s.watchExpiry(poll)

	return &poll, nil
}

// watchExpiry ends the poll server-side when its duration elapses, so the
// poll closes even if every moderator client is gone by then.
func (s *PollService) watchExpiry(poll models.Poll) {
	remaining := RemainingSeconds(poll.StartedAt, poll.DurationSeconds, true, time.Now())
	timer := time.NewTimer(time.Duration(remaining) * time.Second)
	defer timer.Stop()
	<-timer.C

	if err := s.End(context.Background(), poll.ID); err != nil {
		s.logger.Warn("poll auto-end failed", zap.String("poll_id", poll.ID), zap.Error(err))
	}
}

// End deactivates a poll. Ending an already-inactive poll is a no-op, which
// makes the timer expiry and an explicit moderator end safe to race.
func (s *PollService) End(ctx context.Context, pollID string) error {
	var poll models.Poll
	if err := s.db.WithContext(ctx).First(&poll, "id = ?", pollID).Error; err != nil {
		return fmt.Errorf("end poll: %w", err)
	}
	if !poll.IsActive {
		return nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&poll).
		Updates(map[string]interface{}{"is_active": false, "ended_at": now}).Error; err != nil {
		return fmt.Errorf("end poll: %w", err)
	}

	poll.IsActive = false
	poll.EndedAt = &now
	if err := s.feed.Publish(ctx, TablePolls, EventUpdate, poll); err != nil {
		s.logger.Warn("poll event publish failed", zap.String("poll_id", poll.ID), zap.Error(err))
	}

	s.logger.Info("poll ended", zap.String("poll_id", poll.ID))
	return nil
}

// ActiveSnapshot serves the REST read path with a one-shot poll store fetch.
func (s *PollService) ActiveSnapshot(ctx context.Context) (PollSnapshot, map[string]int, int, error) {
	store := NewPollStore(s.db, s.feed, s.logger)
	if err := store.FetchActivePoll(ctx); err != nil {
		return PollSnapshot{}, nil, 0, err
	}

	snap := store.Snapshot()
	remaining := 0
	if snap.Poll != nil {
		remaining = RemainingSeconds(snap.Poll.StartedAt, snap.Poll.DurationSeconds, snap.Poll.IsActive, time.Now())
	}
	return snap, store.VoteCounts(), remaining, nil
}

type PollResult struct {
	ID         string         `json:"id"`
	Question   string         `json:"question"`
	Options    []OptionResult `json:"options"`
	TotalVotes int            `json:"total_votes"`
}

type OptionResult struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// History is a read-only projection of finished polls with per-option vote
// counts, newest first.
func (s *PollService) History(ctx context.Context) ([]PollResult, error) {
	var polls []models.Poll
	err := s.db.WithContext(ctx).Where("is_active = ?", false).
		Order("created_at DESC").
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("option_index ASC")
		}).
		Preload("Votes").
		Find(&polls).Error
	if err != nil {
		return nil, fmt.Errorf("fetch poll history: %w", err)
	}

	results := make([]PollResult, 0, len(polls))
	for _, poll := range polls {
		counts := make(map[string]int, len(poll.Options))
		for _, vote := range poll.Votes {
			counts[vote.OptionID]++
		}

		options := make([]OptionResult, 0, len(poll.Options))
		for _, opt := range poll.Options {
			options = append(options, OptionResult{
				ID:    opt.ID,
				Text:  opt.Text,
				Votes: counts[opt.ID],
			})
		}

		results = append(results, PollResult{
			ID:         poll.ID,
			Question:   poll.Question,
			Options:    options,
			TotalVotes: len(poll.Votes),
		})
	}
	return results, nil
}
