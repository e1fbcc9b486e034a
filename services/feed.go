package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedChannelPrefix = "feed:"
	publishTimeout    = 5 * time.Second

	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Table names shared by the store, the feed and its subscribers.
const (
	TablePolls        = "polls"
	TablePollOptions  = "poll_options"
	TableVotes        = "votes"
	TableStudents     = "students"
	TableChatMessages = "chat_messages"
)

// Event is a single row-change notification. Row carries the full row as it
// was committed, so subscribers never have to read back what they were just
// told about — unless they choose to (the poll store deliberately does).
type Event struct {
	Table string          `json:"table"`
	Type  string          `json:"type"` // insert, update, delete
	Row   json.RawMessage `json:"row"`
	At    int64           `json:"at"`
}

// Feed is the change-notification side of the backing store. Per-table
// ordering follows commit order; there is no ordering across tables.
type Feed interface {
	Publish(ctx context.Context, table, eventType string, row interface{}) error
	Subscribe(table string, types []string, handler func(Event)) (cancel func(), err error)
}

// RedisFeed implements Feed over Redis pub/sub with one channel per table.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{client: client, logger: logger}
}

func (f *RedisFeed) Publish(ctx context.Context, table, eventType string, row interface{}) error {
	rowData, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}

	event := Event{Table: table, Type: eventType, Row: rowData, At: time.Now().Unix()}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := f.client.Publish(ctx, feedChannelPrefix+table, body).Err(); err != nil {
		f.logger.Warn("feed publish failed",
			zap.String("table", table),
			zap.String("type", eventType),
			zap.Error(err))
		return err
	}
	return nil
}

// Subscribe delivers matching events for a table until cancel is called.
// types may contain "*" to receive every event type.
func (f *RedisFeed) Subscribe(table string, types []string, handler func(Event)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := f.client.Subscribe(ctx, feedChannelPrefix+table)

	// Confirm the subscription before returning so callers never miss
	// events committed after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					f.logger.Warn("feed event decode failed", zap.String("table", table), zap.Error(err))
					continue
				}
				if wanted["*"] || wanted[event.Type] {
					handler(event)
				}
			}
		}
	}()

	return func() { cancelCtx() }, nil
}
