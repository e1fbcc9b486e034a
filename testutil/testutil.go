package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"livepoll/models"
	"livepoll/services"
)

// TestDSN is the connection string for the test database.
const TestDSN = "host=localhost user=livepoll password=livepoll123 dbname=livepoll_test port=5432 sslmode=disable TimeZone=UTC"

// SetupTestDB opens the test database, migrates the full schema and wipes
// all rows so every test starts clean.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(postgres.Open(TestDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Poll{},
		&models.PollOption{},
		&models.Vote{},
		&models.Student{},
		&models.ChatMessage{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	err = db.Exec(`TRUNCATE TABLE votes, poll_options, polls, students, chat_messages, users RESTART IDENTITY CASCADE`).Error
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	return db
}

// NewLogger returns a logger that discards everything.
func NewLogger() *zap.Logger {
	return zap.NewNop()
}

// CreateTestPoll inserts an active poll with the given option texts and
// returns the poll with its options loaded.
func CreateTestPoll(t *testing.T, db *gorm.DB, question string, optionTexts []string, durationSeconds int) *models.Poll {
	t.Helper()

	now := time.Now().UTC()
	poll := models.Poll{
		Question:        question,
		DurationSeconds: durationSeconds,
		StartedAt:       &now,
		IsActive:        true,
	}
	if err := db.Create(&poll).Error; err != nil {
		t.Fatalf("Failed to create test poll: %v", err)
	}

	for i, text := range optionTexts {
		opt := models.PollOption{PollID: poll.ID, Text: text, OptionIndex: i}
		if err := db.Create(&opt).Error; err != nil {
			t.Fatalf("Failed to create test option: %v", err)
		}
		poll.Options = append(poll.Options, opt)
	}
	return &poll
}

// CreateTestStudent inserts a student row bound to a session token.
func CreateTestStudent(t *testing.T, db *gorm.DB, name, sessionID string) *models.Student {
	t.Helper()

	student := models.Student{Name: name, SessionID: sessionID}
	if err := db.Create(&student).Error; err != nil {
		t.Fatalf("Failed to create test student: %v", err)
	}
	return &student
}

// MemoryFeed is an in-process services.Feed used in place of Redis in tests.
// Delivery is synchronous: Publish invokes every matching handler before it
// returns, which makes event-ordering tests deterministic.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[int]*memorySub
	next int
}

type memorySub struct {
	table   string
	types   map[string]bool
	handler func(services.Event)
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*memorySub)}
}

func (f *MemoryFeed) Publish(ctx context.Context, table, eventType string, row interface{}) error {
	rowData, err := json.Marshal(row)
	if err != nil {
		return err
	}
	event := services.Event{Table: table, Type: eventType, Row: rowData, At: time.Now().Unix()}

	f.mu.Lock()
	handlers := make([]func(services.Event), 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.table == table && (sub.types["*"] || sub.types[eventType]) {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func (f *MemoryFeed) Subscribe(table string, types []string, handler func(services.Event)) (func(), error) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = &memorySub{table: table, types: wanted, handler: handler}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}
