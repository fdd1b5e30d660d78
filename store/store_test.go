package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gomicropay/config"
	"gomicropay/types"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	redisStore := NewRedisStore(mr.Addr(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = redisStore.Close() })

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "swaps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "data", "swaps.json")),
		"redis":  redisStore,
		"sqlite": sqliteStore,
	}
}

func sample() []types.SwapRecord {
	return []types.SwapRecord{
		{SwapID: "s1", UserAddress: "0xU", ContentID: "1", Status: types.StatusPendingDeposit},
		{SwapID: "s2", UserAddress: "0xV", ContentID: "2", Status: types.StatusConfirmed, TxHash: "0xT"},
		{
			SwapID: "s3", UserAddress: "0xW", ContentID: "3", Status: types.StatusPendingDeposit,
			Stage: types.StageStepASubmitted, StepATx: &types.PendingTx{Hash: "0xA", Raw: "0xf8", Nonce: 7},
		},
	}
}

func sorted(records []types.SwapRecord) []types.SwapRecord {
	sort.Slice(records, func(i, j int) bool { return records[i].SwapID < records[j].SwapID })
	return records
}

func TestLoadAllEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			records, err := s.LoadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestSaveAllIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAll(ctx, sample()))
			first, err := s.LoadAll(ctx)
			require.NoError(t, err)

			require.NoError(t, s.SaveAll(ctx, sample()))
			second, err := s.LoadAll(ctx)
			require.NoError(t, err)

			assert.Equal(t, sorted(sample()), sorted(first))
			assert.Equal(t, sorted(first), sorted(second))
		})
	}
}

func TestSaveAllReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAll(ctx, sample()))
			require.NoError(t, s.SaveAll(ctx, sample()[:1]))

			records, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "s1", records[0].SwapID)

			confirmed, err := FindByStatus(ctx, s, types.StatusConfirmed)
			require.NoError(t, err)
			assert.Empty(t, confirmed, "status index must follow the replace")
		})
	}
}

func TestSaveAllRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAll(ctx, sample()))

			dup := append(sample(), types.SwapRecord{SwapID: "s1", Status: types.StatusFailed})
			require.ErrorIs(t, s.SaveAll(ctx, dup), ErrDuplicateSwap)

			// the previous set is untouched
			records, err := s.LoadAll(ctx)
			require.NoError(t, err)
			assert.Len(t, records, 3)
		})
	}
}

func TestUpsertAndFind(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAll(ctx, sample()))

			rec := sample()[0]
			rec.Status = types.StatusFailed
			require.NoError(t, Upsert(ctx, s, rec))
			require.NoError(t, Upsert(ctx, s, types.SwapRecord{SwapID: "s4", Status: types.StatusPendingDeposit}))

			got, err := Find(ctx, s, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, types.StatusFailed, got.Status)

			missing, err := Find(ctx, s, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			pending, err := FindByStatus(ctx, s, types.StatusPendingDeposit)
			require.NoError(t, err)
			ids := []string{}
			for _, p := range sorted(pending) {
				ids = append(ids, p.SwapID)
			}
			assert.Equal(t, []string{"s3", "s4"}, ids)
		})
	}
}

func TestFileStoreReadsLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swaps.json")
	legacy := `[{"swapId":"abc","userStarknetAddress":"0x1","contentId":"2","status":"PENDING_DEPOSIT"}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	records, err := NewFileStore(path).LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0x1", records[0].UserAddress)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "swaps.json"))
	require.NoError(t, s.SaveAll(context.Background(), sample()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "swaps.json", entries[0].Name())
}

func TestFileStoreCorruptData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swaps.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).LoadAll(context.Background())
	require.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := &config.Configuration{}
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "swaps.json")

	s, err := Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	cfg.Store.Backend = "mongo"
	_, err = Open(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestRedisErrorsAreLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	core, logs := observer.New(zap.ErrorLevel)
	s := NewRedisStore(mr.Addr(), zap.New(core))
	t.Cleanup(func() { _ = s.Close() })

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err := s.LoadAll(context.Background())
	require.Error(t, err)

	entries := logs.FilterMessage("error Redis HVALS").All()
	require.Len(t, entries, 1)
	assert.Equal(t, recordsKey, entries[0].ContextMap()["key"])
}
