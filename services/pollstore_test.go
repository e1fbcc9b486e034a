package services_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"livepoll/models"
	"livepoll/services"
	"livepoll/testutil"
)

func TestFetchActivePollReplacesState(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "What is 2+2?", []string{"3", "4", "5"}, 60)
	student := testutil.CreateTestStudent(t, db, "Alice", "session-a")

	vote := models.Vote{PollID: poll.ID, OptionID: poll.Options[1].ID, StudentID: student.ID}
	if err := db.Create(&vote).Error; err != nil {
		t.Fatalf("Failed to create vote: %v", err)
	}

	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	snap := store.Snapshot()
	if snap.Poll == nil || snap.Poll.ID != poll.ID {
		t.Fatalf("snapshot poll = %+v, want %s", snap.Poll, poll.ID)
	}
	if len(snap.Options) != 3 {
		t.Fatalf("snapshot options = %d, want 3", len(snap.Options))
	}
	for i, opt := range snap.Options {
		if opt.OptionIndex != i {
			t.Fatalf("options out of display order: index %d at position %d", opt.OptionIndex, i)
		}
	}
	if snap.TotalVotes != 1 {
		t.Fatalf("total votes = %d, want 1", snap.TotalVotes)
	}
	if !store.Connected() {
		t.Fatal("store should be connected after a successful fetch")
	}
}

func TestFetchActivePollClearsWhenNoneActive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Old question", []string{"a", "b"}, 60)
	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	if err := db.Model(&models.Poll{}).Where("id = ?", poll.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("Failed to deactivate poll: %v", err)
	}
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	snap := store.Snapshot()
	if snap.Poll != nil || len(snap.Options) != 0 || snap.TotalVotes != 0 {
		t.Fatalf("state not cleared: %+v", snap)
	}
}

func TestSubmitVotePersistsExactlyOneRow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Pick one", []string{"x", "y"}, 60)
	student := testutil.CreateTestStudent(t, db, "Bob", "session-b")

	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	result, err := store.SubmitVote(context.Background(), poll.ID, poll.Options[0].ID, student.ID)
	if err != nil || result != services.VoteOk {
		t.Fatalf("SubmitVote = %v, %v; want ok", result, err)
	}

	var count int64
	db.Model(&models.Vote{}).Where("poll_id = ? AND student_id = ?", poll.ID, student.ID).Count(&count)
	if count != 1 {
		t.Fatalf("persisted votes = %d, want 1", count)
	}

	// The temporary row must be gone, replaced by the committed one.
	snap := store.Snapshot()
	if snap.TotalVotes != 1 {
		t.Fatalf("local votes = %d, want 1", snap.TotalVotes)
	}
	if strings.HasPrefix(snap.Votes[0].ID, "temp-") {
		t.Fatalf("temporary vote id %q survived the swap", snap.Votes[0].ID)
	}

	counts := store.VoteCounts()
	if counts[poll.Options[0].ID] != 1 || counts[poll.Options[1].ID] != 0 {
		t.Fatalf("vote counts = %v", counts)
	}
}

func TestSubmitVoteRejectsDuplicate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Pick one", []string{"x", "y"}, 60)
	student := testutil.CreateTestStudent(t, db, "Cara", "session-c")

	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	if result, err := store.SubmitVote(context.Background(), poll.ID, poll.Options[0].ID, student.ID); err != nil || result != services.VoteOk {
		t.Fatalf("first SubmitVote = %v, %v", result, err)
	}
	if result, _ := store.SubmitVote(context.Background(), poll.ID, poll.Options[1].ID, student.ID); result != services.VoteAlreadyCast {
		t.Fatalf("second SubmitVote = %v, want already cast", result)
	}

	var count int64
	db.Model(&models.Vote{}).Where("student_id = ?", student.ID).Count(&count)
	if count != 1 {
		t.Fatalf("persisted votes = %d, want 1", count)
	}
}

// The backing-store constraint, not the local pre-check, is the correctness
// mechanism: fresh stores that have not seen each other's optimistic state
// still cannot double-vote.
func TestSubmitVoteDuplicateAcrossStores(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Pick one", []string{"x", "y", "z"}, 60)
	student := testutil.CreateTestStudent(t, db, "Dan", "session-d")

	const attempts = 8
	results := make([]services.VoteResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store := services.NewPollStore(db, feed, testutil.NewLogger())
			if err := store.FetchActivePoll(context.Background()); err != nil {
				return
			}
			option := poll.Options[n%len(poll.Options)]
			results[n], _ = store.SubmitVote(context.Background(), poll.ID, option.ID, student.ID)
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, r := range results {
		if r == services.VoteOk {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("accepted submissions = %d, want 1 (results %v)", okCount, results)
	}

	var count int64
	db.Model(&models.Vote{}).Where("poll_id = ? AND student_id = ?", poll.ID, student.ID).Count(&count)
	if count != 1 {
		t.Fatalf("persisted votes = %d, want 1", count)
	}
}

// A submitted vote comes back over the change feed; neither the submitter
// nor any other client may count it twice.
func TestFeedEchoNotDoubleCounted(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Pick one", []string{"x", "y"}, 60)
	student := testutil.CreateTestStudent(t, db, "Eve", "session-e")

	submitter := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := submitter.Start(context.Background()); err != nil {
		t.Fatalf("submitter Start failed: %v", err)
	}
	defer submitter.Close()

	observer := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := observer.Start(context.Background()); err != nil {
		t.Fatalf("observer Start failed: %v", err)
	}
	defer observer.Close()

	result, err := submitter.SubmitVote(context.Background(), poll.ID, poll.Options[0].ID, student.ID)
	if err != nil || result != services.VoteOk {
		t.Fatalf("SubmitVote = %v, %v", result, err)
	}

	// MemoryFeed delivers synchronously, so both sides have seen the echo.
	if got := submitter.VoteCounts()[poll.Options[0].ID]; got != 1 {
		t.Fatalf("submitter count = %d, want 1", got)
	}
	if got := observer.VoteCounts()[poll.Options[0].ID]; got != 1 {
		t.Fatalf("observer count = %d, want 1", got)
	}
}

func TestTwoStudentsVoteDifferentOptions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	poll := testutil.CreateTestPoll(t, db, "Pick one", []string{"x", "y"}, 60)
	alice := testutil.CreateTestStudent(t, db, "Alice", "session-1")
	bob := testutil.CreateTestStudent(t, db, "Bob", "session-2")

	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer store.Close()

	if result, err := store.SubmitVote(context.Background(), poll.ID, poll.Options[0].ID, alice.ID); err != nil || result != services.VoteOk {
		t.Fatalf("alice SubmitVote = %v, %v", result, err)
	}
	if result, err := store.SubmitVote(context.Background(), poll.ID, poll.Options[1].ID, bob.ID); err != nil || result != services.VoteOk {
		t.Fatalf("bob SubmitVote = %v, %v", result, err)
	}

	counts := store.VoteCounts()
	if counts[poll.Options[0].ID] != 1 || counts[poll.Options[1].ID] != 1 {
		t.Fatalf("vote counts = %v, want 1 and 1", counts)
	}
	if total := store.Snapshot().TotalVotes; total != 2 {
		t.Fatalf("total votes = %d, want 2", total)
	}
}

// Option ids are poll-scoped: a client that has not yet observed a poll
// transition cannot smuggle a vote across polls.
func TestSubmitVoteRejectsForeignPoll(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	p1 := testutil.CreateTestPoll(t, db, "First question", []string{"a", "b"}, 60)
	student := testutil.CreateTestStudent(t, db, "Finn", "session-f")

	// This client fetched while P1 was active.
	stale := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := stale.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	// Moderator moves on to P2; no event reaches the stale client.
	if err := db.Model(&models.Poll{}).Where("id = ?", p1.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("Failed to deactivate p1: %v", err)
	}
	p2 := testutil.CreateTestPoll(t, db, "Second question", []string{"c", "d"}, 60)

	// Voting on P1 with one of P2's options must fail before any I/O.
	if _, err := stale.SubmitVote(context.Background(), p1.ID, p2.Options[0].ID, student.ID); err != services.ErrUnknownOption {
		t.Fatalf("cross-poll vote error = %v, want ErrUnknownOption", err)
	}

	// Voting on P2 through a view still pinned to P1 must also fail.
	if _, err := stale.SubmitVote(context.Background(), p2.ID, p2.Options[0].ID, student.ID); err != services.ErrNoActivePoll {
		t.Fatalf("unseen-poll vote error = %v, want ErrNoActivePoll", err)
	}

	var count int64
	db.Model(&models.Vote{}).Count(&count)
	if count != 0 {
		t.Fatalf("persisted votes = %d, want 0", count)
	}
}

func TestSubmitVoteWithNoActivePoll(t *testing.T) {
	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()

	store := services.NewPollStore(db, feed, testutil.NewLogger())
	if err := store.FetchActivePoll(context.Background()); err != nil {
		t.Fatalf("FetchActivePoll failed: %v", err)
	}

	if _, err := store.SubmitVote(context.Background(), "nonexistent", "nope", "student"); err != services.ErrNoActivePoll {
		t.Fatalf("error = %v, want ErrNoActivePoll", err)
	}
}
