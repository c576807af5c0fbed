package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/convo-labs/chat-history/internal/cache"
	"github.com/convo-labs/chat-history/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db        *store.SQLiteStore
	chats     *cache.Map[ChatData]
	sequencer *Sequencer
	directory *Directory
	guard     *OwnershipGuard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newFixtureWithStore(t, db, db)
}

func newFixtureWithStore(t *testing.T, db *store.SQLiteStore, chatStore ChatStore) *fixture {
	t.Helper()
	chats := cache.NewMap[ChatData]()
	seq := NewSequencer(chatStore, NewCannedResponder(), chats, cache.NewKeyedMutex())
	return &fixture{
		db:        db,
		chats:     chats,
		sequencer: seq,
		directory: NewDirectory(seq, chatStore, cache.NewMap[[]ChatSummary](), cache.NewKeyedMutex()),
		guard:     NewOwnershipGuard(seq),
	}
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	u := &store.User{ID: uuid.NewString(), Username: name, PasswordHash: "hash"}
	require.NoError(t, f.db.CreateUser(context.Background(), u))
	return u.ID
}

func (f *fixture) chat(t *testing.T, owner, name string) *ChatCreated {
	t.Helper()
	created, err := f.directory.CreateChat(context.Background(), name, owner)
	require.NoError(t, err)
	return created
}

func (f *fixture) add(t *testing.T, chatID, msg string) *store.Interaction {
	t.Helper()
	it, err := f.sequencer.AddMessage(context.Background(), chatID, msg)
	require.NoError(t, err)
	return it
}

func assertContiguous(t *testing.T, interactions []store.Interaction) {
	t.Helper()
	for i, it := range interactions {
		assert.Equal(t, i, it.Index, "interaction %s", it.ID)
	}
}

// assertSameChat compares two chat views field by field; timestamps are
// compared with Equal since they round-trip through the database.
func assertSameChat(t *testing.T, want, got *ChatData) {
	t.Helper()
	assert.Equal(t, want.ChatID, got.ChatID)
	assert.Equal(t, want.ChatName, got.ChatName)
	assert.Equal(t, want.UserID, got.UserID)
	require.Len(t, got.Interactions, len(want.Interactions))
	for i := range want.Interactions {
		w, g := want.Interactions[i], got.Interactions[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.ChatID, g.ChatID)
		assert.Equal(t, w.Index, g.Index)
		assert.Equal(t, w.Message, g.Message)
		assert.Equal(t, w.Response, g.Response)
		assert.True(t, w.Timestamp.Equal(g.Timestamp), "timestamp of %s: %v vs %v", w.ID, w.Timestamp, g.Timestamp)
		assert.Equal(t, w.Suggestions, g.Suggestions)
	}
}

func TestCreateChatGreeting(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "alice")

	created := f.chat(t, owner, "Trip Planning")
	assert.Equal(t, "Trip Planning", created.ChatName)
	assert.Equal(t, 0, created.Interaction.Index)
	assert.Nil(t, created.Interaction.Message)
	assert.Equal(t, GreetingResponse, created.Interaction.Response)
	assert.NotEmpty(t, created.Interaction.Suggestions)

	cached, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)
	assert.Equal(t, owner, cached.UserID)
	require.Len(t, cached.Interactions, 1)
	assert.Nil(t, cached.Interactions[0].Suggestions, "suggestions must not be cached")

	loaded, err := f.sequencer.LoadChat(context.Background(), created.ChatID)
	require.NoError(t, err)
	require.Len(t, loaded.Interactions, 1)
	assert.Nil(t, loaded.Interactions[0].Message)
}

func TestAddMessageScenario(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "alice")
	created := f.chat(t, owner, "Trip Planning")

	it := f.add(t, created.ChatID, "hello")
	assert.Equal(t, 1, it.Index)
	require.NotNil(t, it.Message)
	assert.Equal(t, "hello", *it.Message)
	assert.Equal(t, GreetingResponse, it.Response)
	assert.NotEmpty(t, it.Suggestions)

	it2 := f.add(t, created.ChatID, "how are you?")
	assert.Equal(t, 2, it2.Index)
	assert.Equal(t, "I'm doing well! Thanks for asking. How can I assist you today?", it2.Response)
}

func TestIndexContiguity(t *testing.T) {
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")

	for i := 0; i < 10; i++ {
		f.add(t, created.ChatID, "msg")
	}

	data, err := f.sequencer.GetChat(context.Background(), created.ChatID)
	require.NoError(t, err)
	require.Len(t, data.Interactions, 11)
	assertContiguous(t, data.Interactions)
}

func TestAddMessageUnknownChat(t *testing.T) {
	f := newFixture(t)
	_, err := f.sequencer.AddMessage(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEditTruncates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "hello")
	f.add(t, created.ChatID, "how are you?")
	f.add(t, created.ChatID, "bye")

	list, err := f.sequencer.EditMessage(ctx, first.ID, "how are you?")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, "how are you?", *list[1].Message)
	assert.Equal(t, "I'm doing well! Thanks for asking. How can I assist you today?", list[1].Response)
	assert.NotEmpty(t, list[1].Suggestions)
	assert.Nil(t, list[0].Suggestions)

	data, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, data.Interactions, 2)

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	assertSameChat(t, fresh, data)
}

func TestEditThenAddKeepsIndicesContiguous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "one")
	f.add(t, created.ChatID, "two")
	f.add(t, created.ChatID, "three")

	_, err := f.sequencer.EditMessage(ctx, first.ID, "uno")
	require.NoError(t, err)
	it := f.add(t, created.ChatID, "dos")
	assert.Equal(t, 2, it.Index)

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, fresh.Interactions, 3)
	assertContiguous(t, fresh.Interactions)
}

func TestEditUncachedChatReloads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "one")
	f.add(t, created.ChatID, "two")

	f.chats.Delete(created.ChatID)

	list, err := f.sequencer.EditMessage(ctx, first.ID, "uno")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "uno", *list[1].Message)

	cached, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)
	assert.Len(t, cached.Interactions, 2)
}

func TestEditUnknownInteraction(t *testing.T) {
	f := newFixture(t)
	_, err := f.sequencer.EditMessage(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTruncates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "hello")
	f.add(t, created.ChatID, "how are you?")

	list, err := f.sequencer.DeleteMessage(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Message)
	assert.Equal(t, GreetingResponse, list[0].Response)
	assert.NotEmpty(t, list[0].Suggestions)

	data, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	assertSameChat(t, fresh, data)

	_, err = f.sequencer.DeleteMessage(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUncachedChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	f.add(t, created.ChatID, "one")
	second := f.add(t, created.ChatID, "two")
	f.chats.Delete(created.ChatID)

	list, err := f.sequencer.DeleteMessage(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assertContiguous(t, list)
}

func TestDeleteGreetingEmptiesChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	f.add(t, created.ChatID, "one")

	list, err := f.sequencer.DeleteMessage(ctx, created.Interaction.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	_, err = f.sequencer.GetChat(ctx, created.ChatID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.sequencer.AddMessage(ctx, created.ChatID, "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetChatReturnsCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")

	data, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	data.Interactions[0].Response = "mutated"
	data.Interactions = append(data.Interactions, store.Interaction{})

	again, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, again.Interactions, 1)
	assert.Equal(t, GreetingResponse, again.Interactions[0].Response)
}

func TestGetChatReadThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	f.add(t, created.ChatID, "hello")
	f.chats.Delete(created.ChatID)

	data, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	assert.Len(t, data.Interactions, 2)

	_, ok := f.chats.Get(created.ChatID)
	assert.True(t, ok)

	_, err = f.sequencer.GetChat(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheAgreesWithStorageAfterMixedOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")

	var ids []string
	for _, m := range []string{"hello", "help", "bye", "weather", "thank you"} {
		ids = append(ids, f.add(t, created.ChatID, m).ID)
	}
	_, err := f.sequencer.EditMessage(ctx, ids[3], "tell me a joke")
	require.NoError(t, err)
	_, err = f.sequencer.DeleteMessage(ctx, ids[2])
	require.NoError(t, err)
	f.add(t, created.ChatID, "what is ai?")
	_, err = f.sequencer.EditMessage(ctx, ids[0], "hello again")
	require.NoError(t, err)
	f.add(t, created.ChatID, "bye")

	cached, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	assertSameChat(t, fresh, cached)
	require.Len(t, fresh.Interactions, 3)
	assertContiguous(t, fresh.Interactions)
}

func TestConcurrentAddsOnSameChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := f.sequencer.AddMessage(ctx, created.ChatID, "hello"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("add failed: %v", err)
	}

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, fresh.Interactions, workers*perWorker+1)
	assertContiguous(t, fresh.Interactions)
}

func TestConcurrentEditsAndAdds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	anchor := f.add(t, created.ChatID, "one")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.sequencer.AddMessage(ctx, created.ChatID, "more")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.sequencer.EditMessage(ctx, anchor.ID, "one")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cached, err := f.sequencer.GetChat(ctx, created.ChatID)
	require.NoError(t, err)
	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	assertSameChat(t, fresh, cached)
	assertContiguous(t, fresh.Interactions)
}

type failingStore struct {
	*store.SQLiteStore
	failAppend bool
	failCreate bool
	failEdit   bool
	failDelete bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) CreateInteraction(ctx context.Context, it *store.Interaction) error {
	if s.failAppend {
		return errDiskFull
	}
	return s.SQLiteStore.CreateInteraction(ctx, it)
}

func (s *failingStore) CreateChat(ctx context.Context, chat *store.Chat, greeting *store.Interaction) error {
	if s.failCreate {
		return errDiskFull
	}
	return s.SQLiteStore.CreateChat(ctx, chat, greeting)
}

func (s *failingStore) UpdateInteractionAndTruncate(ctx context.Context, chatID, interactionID, message, response string, ts time.Time) (*store.Interaction, error) {
	if s.failEdit {
		return nil, errDiskFull
	}
	return s.SQLiteStore.UpdateInteractionAndTruncate(ctx, chatID, interactionID, message, response, ts)
}

func (s *failingStore) DeleteInteractionsFrom(ctx context.Context, chatID, interactionID string) (*store.Interaction, error) {
	if s.failDelete {
		return nil, errDiskFull
	}
	return s.SQLiteStore.DeleteInteractionsFrom(ctx, chatID, interactionID)
}

func newFailingFixture(t *testing.T) (*fixture, *failingStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	fs := &failingStore{SQLiteStore: db}
	return newFixtureWithStore(t, db, fs), fs
}

func TestPersistenceFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	f, fs := newFailingFixture(t)
	owner := f.user(t, "alice")

	created := f.chat(t, owner, "c")

	fs.failAppend = true
	_, err := f.sequencer.AddMessage(ctx, created.ChatID, "hello")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)

	cached, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)
	assert.Len(t, cached.Interactions, 1)

	fs.failCreate = true
	_, err = f.directory.CreateChat(ctx, "other", owner)
	assert.ErrorIs(t, err, ErrPersistence)

	list, err := f.directory.ListUserChats(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ChatID, list[0].ChatID)
}

func TestFailedEditLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	f, fs := newFailingFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "one")
	f.add(t, created.ChatID, "two")
	before, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)

	fs.failEdit = true
	_, err := f.sequencer.EditMessage(ctx, first.ID, "uno")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)

	after, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)
	assert.Equal(t, before, after)

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, fresh.Interactions, 3)
	assert.Equal(t, "one", *fresh.Interactions[1].Message)
}

func TestFailedDeleteLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	f, fs := newFailingFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	first := f.add(t, created.ChatID, "one")
	f.add(t, created.ChatID, "two")
	before, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)

	fs.failDelete = true
	_, err := f.sequencer.DeleteMessage(ctx, first.ID)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)

	after, ok := f.chats.Get(created.ChatID)
	require.True(t, ok)
	assert.Equal(t, before, after)

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	assert.Len(t, fresh.Interactions, 3)
}

func TestGreetingCannotBeEdited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.chat(t, f.user(t, "alice"), "c")
	f.add(t, created.ChatID, "one")

	_, err := f.sequencer.EditMessage(ctx, created.Interaction.ID, "hello")
	assert.ErrorIs(t, err, ErrValidation)

	fresh, err := f.sequencer.LoadChat(ctx, created.ChatID)
	require.NoError(t, err)
	require.Len(t, fresh.Interactions, 2)
	assert.Nil(t, fresh.Interactions[0].Message)
	assert.Equal(t, GreetingResponse, fresh.Interactions[0].Response)
}

func TestChatScopedMutationsIgnoreOtherChats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "alice")
	mine := f.chat(t, owner, "mine")
	other := f.chat(t, owner, "other")
	it := f.add(t, mine.ChatID, "one")

	_, err := f.sequencer.EditChatMessage(ctx, other.ChatID, it.ID, "uno")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.sequencer.DeleteChatMessage(ctx, other.ChatID, it.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.sequencer.EditChatMessage(ctx, mine.ChatID, it.ID, "uno")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "uno", *list[1].Message)

	list, err = f.sequencer.DeleteChatMessage(ctx, mine.ChatID, it.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
