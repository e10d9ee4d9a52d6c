package mailbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	alice = "did:key:zAlice"
	bob   = "did:key:zBob"
	mal   = "did:key:zMallory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewStore(db, nil)
}

func TestPutIdempotentOnEnvelopeID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, stored, err := s.Put(ctx, StoreParams{
		EnvelopeID: "env-1", FromDID: alice, ToDID: bob, Subject: "hi", Body: "hello",
	})
	require.NoError(t, err)
	require.True(t, stored)

	second, stored, err := s.Put(ctx, StoreParams{
		EnvelopeID: "env-1", FromDID: alice, ToDID: bob, Subject: "hi", Body: "hello",
	})
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, first.ID, second.ID)

	views, _, err := s.Inbox(ctx, bob, InboxQuery{})
	require.NoError(t, err)
	require.Len(t, views, 1)
}

func TestConversationIDSymmetric(t *testing.T) {
	require.Equal(t, conversationID(alice, bob), conversationID(bob, alice))
	require.NotEqual(t, conversationID(alice, bob), conversationID(alice, mal))
}

func TestInboxPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		s.SetNowFunc(func() time.Time { return at })
		_, _, err := s.Put(ctx, StoreParams{
			EnvelopeID: fmt.Sprintf("env-%d", i), FromDID: alice, ToDID: bob,
			Subject: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	page1, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	require.Equal(t, "msg 4", page1[0].Subject)
	require.Equal(t, "msg 3", page1[1].Subject)

	page2, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Equal(t, "msg 2", page2[0].Subject)

	page3, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Empty(t, cursor)
	require.Equal(t, "msg 0", page3[0].Subject)
}

func TestFilteredInboxPagesFill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Five messages; only the two oldest are labeled.
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		s.SetNowFunc(func() time.Time { return at })
		msg, _, err := s.Put(ctx, StoreParams{
			EnvelopeID: fmt.Sprintf("env-%d", i), FromDID: alice, ToDID: bob,
			Subject: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	require.NoError(t, s.SetLabels(ctx, bob, ids[0], []string{"work"}))
	require.NoError(t, s.SetLabels(ctx, bob, ids[1], []string{"work"}))

	// The matches sit past the first unfiltered page; the page still fills.
	page, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2, Label: "work"})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Empty(t, cursor)
	require.Equal(t, "msg 1", page[0].Subject)
	require.Equal(t, "msg 0", page[1].Subject)

	// Unread filtering also applies before the limit, and pages through.
	require.NoError(t, s.MarkRead(ctx, bob, ids[4], true))
	require.NoError(t, s.MarkRead(ctx, bob, ids[3], true))
	unread, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2, UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 2)
	require.NotEmpty(t, cursor)
	require.Equal(t, "msg 2", unread[0].Subject)
	require.Equal(t, "msg 1", unread[1].Subject)

	rest, cursor, err := s.Inbox(ctx, bob, InboxQuery{Limit: 2, UnreadOnly: true, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Empty(t, cursor)
	require.Equal(t, "msg 0", rest[0].Subject)
}

func TestInboxRejectsForeignCursor(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Inbox(context.Background(), bob, InboxQuery{Cursor: "not-a-cursor"})
	require.ErrorIs(t, err, ErrBadCursor)
}

func TestThreadACL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, _, err := s.Put(ctx, StoreParams{EnvelopeID: "env-1", FromDID: alice, ToDID: bob, Body: "one"})
	require.NoError(t, err)
	_, _, err = s.Put(ctx, StoreParams{
		EnvelopeID: "env-2", ConversationID: msg.ConversationID, FromDID: bob, ToDID: alice, Body: "two",
	})
	require.NoError(t, err)

	// Both participants read the full thread, oldest first.
	for _, reader := range []string{alice, bob} {
		thread, err := s.Thread(ctx, reader, msg.ConversationID)
		require.NoError(t, err)
		require.Len(t, thread, 2)
		require.Equal(t, "one", thread[0].Body)
	}

	_, err = s.Thread(ctx, mal, msg.ConversationID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = s.Thread(ctx, alice, "no-such-thread")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestReadMarkersPerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, _, err := s.Put(ctx, StoreParams{EnvelopeID: "env-1", FromDID: alice, ToDID: bob, Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, bob, msg.ID, true))

	bobView, err := s.Get(ctx, bob, msg.ID)
	require.NoError(t, err)
	require.True(t, bobView.Read)

	// Alice's marker is independent of Bob's.
	aliceView, err := s.Get(ctx, alice, msg.ID)
	require.NoError(t, err)
	require.False(t, aliceView.Read)

	require.ErrorIs(t, s.MarkRead(ctx, mal, msg.ID, true), ErrForbidden)
}

func TestLabelsAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.Put(ctx, StoreParams{EnvelopeID: "env-1", FromDID: alice, ToDID: bob, Subject: "a"})
	require.NoError(t, err)
	second, _, err := s.Put(ctx, StoreParams{EnvelopeID: "env-2", FromDID: alice, ToDID: bob, Subject: "b"})
	require.NoError(t, err)

	require.NoError(t, s.SetLabels(ctx, bob, first.ID, []string{"work", "work", " urgent "}))
	require.NoError(t, s.MarkRead(ctx, bob, second.ID, true))

	view, err := s.Get(ctx, bob, first.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"urgent", "work"}, view.Labels)

	labeled, _, err := s.Inbox(ctx, bob, InboxQuery{Label: "work"})
	require.NoError(t, err)
	require.Len(t, labeled, 1)
	require.Equal(t, first.ID, labeled[0].ID)

	unread, _, err := s.Inbox(ctx, bob, InboxQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, first.ID, unread[0].ID)

	// Relabeling replaces the set; marking read preserves labels.
	require.NoError(t, s.SetLabels(ctx, bob, first.ID, []string{"archive"}))
	require.NoError(t, s.MarkRead(ctx, bob, first.ID, true))
	view, err = s.Get(ctx, bob, first.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"archive"}, view.Labels)
	require.True(t, view.Read)
}
