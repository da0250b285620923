package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// steppingClock advances one second per call so updatedAt ordering is deterministic
func steppingClock(t *testing.T) {
	t.Helper()
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	prev := Clock
	Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	t.Cleanup(func() { Clock = prev })
}

func codePtr(s string) *string { return &s }

func runConformance(t *testing.T, s ConversationStore) {
	ctx := context.Background()
	steppingClock(t)

	t.Run("save_without_id_creates_record", func(t *testing.T) {
		rec, err := s.Save(ctx, models.SaveConversationRequest{
			Messages: []contract.ChatMessage{{Role: contract.RoleUser, Content: "create a token"}},
		})
		require.NoError(t, err)
		_, err = uuid.Parse(rec.ID)
		assert.NoError(t, err, "new ids are uuids")
		assert.Equal(t, models.UntitledConversation, rec.Title)
		assert.Equal(t, "create a token", rec.Preview)

		loaded, err := s.Load(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, loaded.ID)
		assert.Equal(t, rec.Messages, loaded.Messages)
	})

	t.Run("save_with_id_updates_in_place", func(t *testing.T) {
		first, err := s.Save(ctx, models.SaveConversationRequest{
			Title: "TokenX",
			Spec:  json.RawMessage(`{"id":"v1","metadata":{"name":"TokenX"},"variables":[]}`),
			Code:  codePtr("print('v1')"),
		})
		require.NoError(t, err)

		second, err := s.Save(ctx, models.SaveConversationRequest{
			ConversationID: first.ID,
			Code:           codePtr("print('v2')"),
			Language:       "python",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		loaded, err := s.Load(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "TokenX", loaded.Title)
		assert.Equal(t, "print('v2')", loaded.Code)
		assert.Equal(t, "python", loaded.Language)
		assert.Equal(t, first.CreatedAt, loaded.CreatedAt)

		doc, err := loaded.Document()
		require.NoError(t, err)
		assert.Equal(t, "v1", doc.ID)
	})

	t.Run("save_with_unknown_id_creates_it", func(t *testing.T) {
		rec, err := s.Save(ctx, models.SaveConversationRequest{ConversationID: "client-chosen", Title: "Vault"})
		require.NoError(t, err)
		assert.Equal(t, "client-chosen", rec.ID)

		loaded, err := s.Load(ctx, "client-chosen")
		require.NoError(t, err)
		assert.Equal(t, "Vault", loaded.Title)
	})

	t.Run("list_newest_first_with_description_preview", func(t *testing.T) {
		described, err := s.Save(ctx, models.SaveConversationRequest{
			Title:    "Described",
			Messages: []contract.ChatMessage{{Role: contract.RoleUser, Content: "hello"}},
			Spec:     json.RawMessage(`{"metadata":{"name":"Described","description":"A described token"},"variables":[]}`),
		})
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(list), 4)

		assert.Equal(t, described.ID, list[0].ID)
		assert.Equal(t, "A described token", list[0].Preview)
		for i := 1; i < len(list); i++ {
			assert.GreaterOrEqual(t, list[i-1].UpdatedAt, list[i].UpdatedAt)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec, err := s.Save(ctx, models.SaveConversationRequest{Title: "Doomed"})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, rec.ID))

		_, err = s.Load(ctx, rec.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, rec.ID), ErrNotFound)

		list, err := s.List(ctx)
		require.NoError(t, err)
		for _, summary := range list {
			assert.NotEqual(t, rec.ID, summary.ID)
		}
	})

	t.Run("load_missing", func(t *testing.T) {
		_, err := s.Load(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "studio.db")
	s, err := NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	runConformance(t, s)
}

func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPostgresStore(pool, testLogger())
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE conversations`)
	require.NoError(t, err)

	runConformance(t, s)
}

// fakeObjects is an in-memory ObjectAPI
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	runConformance(t, NewS3Store(newFakeObjects(), "conversations", testLogger()))
}

func TestS3Store_ObjectLayout(t *testing.T) {
	objects := newFakeObjects()
	s := NewS3Store(objects, "conversations", testLogger())
	ctx := context.Background()

	rec, err := s.Save(ctx, models.SaveConversationRequest{Title: "TokenX"})
	require.NoError(t, err)

	_, ok := objects.objects["conversations/"+rec.ID+".json"]
	assert.True(t, ok)

	var idx map[string]models.ConversationSummary
	require.NoError(t, json.Unmarshal(objects.objects["conversations/index.json"], &idx))
	assert.Equal(t, "TokenX", idx[rec.ID].Title)
}

func TestS3Store_ListSkipsDanglingIndexEntries(t *testing.T) {
	objects := newFakeObjects()
	s := NewS3Store(objects, "conversations", testLogger())
	ctx := context.Background()

	rec, err := s.Save(ctx, models.SaveConversationRequest{Title: "Kept"})
	require.NoError(t, err)
	gone, err := s.Save(ctx, models.SaveConversationRequest{Title: "Gone"})
	require.NoError(t, err)
	delete(objects.objects, "conversations/"+gone.ID+".json")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestSQLiteStore_MalformedRecordIsReplaced(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "studio.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (id, title, preview, updated_at, record) VALUES ('broken', 't', '', 'x', 'not json')`)
	require.NoError(t, err)

	_, err = s.Load(ctx, "broken")
	assert.ErrorIs(t, err, models.ErrMalformedRecord)

	rec, err := s.Save(ctx, models.SaveConversationRequest{ConversationID: "broken", Title: "Fixed"})
	require.NoError(t, err)
	assert.Equal(t, "Fixed", rec.Title)
}
