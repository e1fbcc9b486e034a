package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

// VoteResult classifies the outcome of a vote submission.
type VoteResult int

const (
	VoteOk VoteResult = iota
	VoteAlreadyCast
	VoteFailed
)

func (r VoteResult) String() string {
	switch r {
	case VoteOk:
		return "ok"
	case VoteAlreadyCast:
		return "already_voted"
	default:
		return "failed"
	}
}

var (
	ErrNoActivePoll  = errors.New("no active poll")
	ErrUnknownOption = errors.New("option does not belong to the active poll")
)

// Temporary vote ids carry this prefix so they can never collide with an id
// the database hands back.
const tempVotePrefix = "temp-"

// PollStore is one client's view of the current poll, its options and its
// votes. It is refreshed by authoritative reads and kept current by
// change-feed events; votes go out through SubmitVote and come back in
// through the feed, and the store must not count them twice.
type PollStore struct {
	db     *gorm.DB
	feed   Feed
	logger *zap.Logger

	mu        sync.Mutex
	poll      *models.Poll
	options   []models.PollOption
	votes     []models.Vote
	connected bool

	cancels  []func()
	onChange func()
}

func NewPollStore(db *gorm.DB, feed Feed, logger *zap.Logger) *PollStore {
	return &PollStore{db: db, feed: feed, logger: logger, connected: true}
}

// OnChange registers a callback invoked after every local state change. The
// hub uses it to push fresh snapshots to the connected client.
func (s *PollStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *PollStore) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start performs the initial fetch and opens the change-feed subscriptions.
// A failed initial fetch is not fatal; the poll subscription will trigger a
// retry as soon as anything changes server-side.
func (s *PollStore) Start(ctx context.Context) error {
	if err := s.FetchActivePoll(ctx); err != nil {
		s.logger.Warn("initial poll fetch failed", zap.Error(err))
	}

	cancelPolls, err := s.feed.Subscribe(TablePolls, []string{"*"}, func(Event) {
		// A single poll event cannot disambiguate "this poll activated"
		// from "another poll deactivated", so it is treated purely as a
		// wake-up signal and full state is re-derived from a fresh read.
		if err := s.FetchActivePoll(context.Background()); err != nil {
			s.logger.Warn("poll refetch failed", zap.Error(err))
		}
		s.notify()
	})
	if err != nil {
		return err
	}
	s.cancels = append(s.cancels, cancelPolls)

	cancelVotes, err := s.feed.Subscribe(TableVotes, []string{EventInsert}, func(e Event) {
		var vote models.Vote
		if err := json.Unmarshal(e.Row, &vote); err != nil {
			s.logger.Warn("vote event decode failed", zap.Error(err))
			return
		}
		if s.applyVoteInsert(vote) {
			s.notify()
		}
	})
	if err != nil {
		cancelPolls()
		s.cancels = nil
		return err
	}
	s.cancels = append(s.cancels, cancelVotes)

	return nil
}

// Close releases the change-feed subscriptions. No subscription outlives the
// owning client connection.
func (s *PollStore) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

// FetchActivePoll replaces local state with an authoritative read: the most
// recently created active poll, its options in display order, and all of its
// votes. No active poll clears the state. On failure the last-known state is
// kept and the store reports itself disconnected.
func (s *PollStore) FetchActivePoll(ctx context.Context) error {
	var polls []models.Poll
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).
		Order("created_at DESC").Limit(1).Find(&polls).Error; err != nil {
		return s.disconnected(err)
	}

	if len(polls) == 0 {
		s.mu.Lock()
		s.poll = nil
		s.options = nil
		s.votes = nil
		s.connected = true
		s.mu.Unlock()
		return nil
	}

	poll := polls[0]

	var options []models.PollOption
	if err := s.db.WithContext(ctx).Where("poll_id = ?", poll.ID).
		Order("option_index ASC").Find(&options).Error; err != nil {
		return s.disconnected(err)
	}

	var votes []models.Vote
	if err := s.db.WithContext(ctx).Where("poll_id = ?", poll.ID).
		Find(&votes).Error; err != nil {
		return s.disconnected(err)
	}

	s.mu.Lock()
	s.poll = &poll
	s.options = options
	s.votes = votes
	s.connected = true
	s.mu.Unlock()

	return nil
}

func (s *PollStore) disconnected(err error) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return fmt.Errorf("fetch active poll: %w", err)
}

// Connected reports whether the last backing-store read succeeded.
func (s *PollStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// applyVoteInsert merges a feed-echoed vote into local state. Votes for a
// different poll are ignored, and a vote whose id is already present (the
// echo of this client's own optimistic insert after the swap) is absorbed.
// A pending optimistic row for the same student is superseded: another tab
// won the race, and its committed vote replaces this tab's temp row so the
// one-vote-per-student invariant holds in every snapshot.
func (s *PollStore) applyVoteInsert(vote models.Vote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poll == nil || vote.PollID != s.poll.ID {
		return false
	}
	for _, v := range s.votes {
		if v.ID == vote.ID {
			return false
		}
	}

	kept := s.votes[:0]
	for _, v := range s.votes {
		if strings.HasPrefix(v.ID, tempVotePrefix) && v.StudentID == vote.StudentID {
			continue
		}
		kept = append(kept, v)
	}
	s.votes = append(kept, vote)
	return true
}

// SubmitVote records at most one vote per student for the active poll.
//
// The local pre-check and optimistic insert only buy latency; the composite
// unique index on votes is the actual correctness mechanism, and its
// violation comes back as gorm.ErrDuplicatedKey.
func (s *PollStore) SubmitVote(ctx context.Context, pollID, optionID, studentID string) (VoteResult, error) {
	s.mu.Lock()

	if s.poll == nil || !s.poll.IsActive || s.poll.ID != pollID {
		s.mu.Unlock()
		return VoteFailed, ErrNoActivePoll
	}

	// Option ids are poll-scoped: an option not in the current option set
	// belongs to some other poll and is rejected before any I/O.
	valid := false
	for _, opt := range s.options {
		if opt.ID == optionID {
			valid = true
			break
		}
	}
	if !valid {
		s.mu.Unlock()
		return VoteFailed, ErrUnknownOption
	}

	for _, v := range s.votes {
		if v.PollID == pollID && v.StudentID == studentID {
			s.mu.Unlock()
			return VoteAlreadyCast, nil
		}
	}

	temp := models.Vote{
		ID:        tempVotePrefix + uuid.NewString(),
		PollID:    pollID,
		OptionID:  optionID,
		StudentID: studentID,
	}
	s.votes = append(s.votes, temp)
	s.mu.Unlock()
	s.notify()

	vote := models.Vote{PollID: pollID, OptionID: optionID, StudentID: studentID}
	if err := s.db.WithContext(ctx).Create(&vote).Error; err != nil {
		s.removeVote(temp.ID)
		s.notify()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return VoteAlreadyCast, nil
		}
		s.logger.Warn("vote insert failed",
			zap.String("poll_id", pollID),
			zap.String("student_id", studentID),
			zap.Error(err))
		return VoteFailed, fmt.Errorf("submit vote: %w", err)
	}

	// Swap the temporary row for the committed one. If the feed echo beat
	// us here the committed id is already present and the temp row is
	// simply dropped.
	s.mu.Lock()
	swapped := false
	kept := s.votes[:0]
	for _, v := range s.votes {
		if v.ID == temp.ID {
			continue
		}
		if v.ID == vote.ID {
			swapped = true
		}
		kept = append(kept, v)
	}
	if !swapped {
		kept = append(kept, vote)
	}
	s.votes = kept
	s.mu.Unlock()
	s.notify()

	if err := s.feed.Publish(ctx, TableVotes, EventInsert, vote); err != nil {
		// Subscribers converge on their next poll refetch.
		s.logger.Warn("vote event publish failed", zap.String("vote_id", vote.ID), zap.Error(err))
	}

	return VoteOk, nil
}

func (s *PollStore) removeVote(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.votes[:0]
	for _, v := range s.votes {
		if v.ID != id {
			kept = append(kept, v)
		}
	}
	s.votes = kept
}

// VoteCounts groups the current votes by option id. Options with no votes
// are present with a zero count.
func (s *PollStore) VoteCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, len(s.options))
	for _, opt := range s.options {
		counts[opt.ID] = 0
	}
	for _, v := range s.votes {
		if _, ok := counts[v.OptionID]; ok {
			counts[v.OptionID]++
		}
	}
	return counts
}

// PollSnapshot is the read surface handed to presentation layers.
type PollSnapshot struct {
	Poll       *models.Poll        `json:"poll"`
	Options    []models.PollOption `json:"options"`
	Votes      []models.Vote       `json:"votes"`
	TotalVotes int                 `json:"total_votes"`
}

// Snapshot returns a copy of the current state; callers never share slices
// with the store.
func (s *PollStore) Snapshot() PollSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := PollSnapshot{
		Options:    make([]models.PollOption, len(s.options)),
		Votes:      make([]models.Vote, len(s.votes)),
		TotalVotes: len(s.votes),
	}
	copy(snap.Options, s.options)
	copy(snap.Votes, s.votes)
	if s.poll != nil {
		poll := *s.poll
		snap.Poll = &poll
	}
	return snap
}

// ActivePoll returns a copy of the current poll, or nil when none is active.
func (s *PollStore) ActivePoll() *models.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poll == nil {
		return nil
	}
	poll := *s.poll
	return &poll
}
