package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfuel/livechat/internal/message"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMsg(id string, sender message.SenderType, content string, offset time.Duration) *message.Message {
	return &message.Message{
		ID:        id,
		Sender:    sender,
		Type:      message.TypeText,
		Content:   content,
		Timestamp: baseTime.Add(offset),
	}
}

// runStoreConformance exercises the SessionStore contract against any implementation.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) SessionStore) {
	t.Run("append creates session once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		created, err := store.AppendMessage(ctx, "cust-42", Profile{DisplayName: "Bob"}, newMsg("m1", message.SenderCustomer, "hello", 0))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.AppendMessage(ctx, "cust-42", Profile{}, newMsg("m2", message.SenderCustomer, "again", time.Millisecond))
		require.NoError(t, err)
		assert.False(t, created)

		sess, err := store.GetSession(ctx, "cust-42")
		require.NoError(t, err)
		assert.Equal(t, "Bob", sess.CustomerDisplayName, "empty profile must not erase stored name")
		require.Len(t, sess.Messages, 2)
		assert.Equal(t, "m1", sess.Messages[0].ID)
		assert.Equal(t, "m2", sess.Messages[1].ID)
		assert.Equal(t, "cust-42", sess.Messages[1].CustomerID)
		assert.True(t, sess.LastUpdated.Equal(baseTime.Add(time.Millisecond)))
	})

	t.Run("concurrent first messages create one session", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, err := store.AppendMessage(ctx, "cust-race", Profile{}, newMsg(fmt.Sprintf("r%d", i), message.SenderCustomer, "x", time.Duration(i)*time.Millisecond))
				assert.NoError(t, err)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
		sess, err := store.GetSession(ctx, "cust-race")
		require.NoError(t, err)
		assert.Len(t, sess.Messages, 8)
	})

	t.Run("missing session", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetSession(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, store.MarkRead(context.Background(), "nobody"), ErrSessionNotFound)
	})

	t.Run("invalid input", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.AppendMessage(ctx, "", Profile{}, newMsg("m", message.SenderCustomer, "x", 0))
		assert.ErrorIs(t, err, ErrInvalidCustomerID)
		_, err = store.AppendMessage(ctx, "cust-1", Profile{}, nil)
		assert.ErrorIs(t, err, ErrInvalidMessage)
		_, err = store.GetSession(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidCustomerID)
	})

	t.Run("list sorted by last update", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.AppendMessage(ctx, "cust-a", Profile{}, newMsg("a1", message.SenderCustomer, "first", 0))
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, "cust-b", Profile{DisplayName: "Bea"}, newMsg("b1", message.SenderCustomer, "second", time.Second))
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, "cust-a", Profile{}, newMsg("a2", message.SenderAdmin, "reply", 2*time.Second))
		require.NoError(t, err)

		list, err := store.ListSessions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "cust-a", list[0].CustomerID)
		assert.Equal(t, "cust-b", list[1].CustomerID)
		assert.Equal(t, "Bea", list[1].CustomerDisplayName)
		require.NotNil(t, list[0].LastMessage)
		assert.Equal(t, "reply", list[0].LastMessage.Content)
		assert.Equal(t, 2, list[0].MessageCount)
		assert.Equal(t, 1, list[0].UnreadCount)

		limited, err := store.ListSessions(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("mark read", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.AppendMessage(ctx, "cust-r", Profile{}, newMsg("1", message.SenderCustomer, "a", 0))
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, "cust-r", Profile{}, newMsg("2", message.SenderAdmin, "b", time.Millisecond))
		require.NoError(t, err)

		require.NoError(t, store.MarkRead(ctx, "cust-r"))

		sess, err := store.GetSession(ctx, "cust-r")
		require.NoError(t, err)
		assert.True(t, sess.Messages[0].Read)
		assert.False(t, sess.Messages[1].Read, "admin messages are not part of the unread count")

		list, err := store.ListSessions(ctx, 10)
		require.NoError(t, err)
		for _, s := range list {
			if s.CustomerID == "cust-r" {
				assert.Zero(t, s.UnreadCount)
			}
		}
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(context.Background()))
	})
}
