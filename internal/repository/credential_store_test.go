package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-registry/internal/domain"
	"credential-registry/internal/metrics"
)

func TestCredentialStore_AddAndFindOne(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	c := testCredential("tenant-1", "4711", "hashed-password", "sensor20")
	require.NoError(t, store.Add(ctx, c))

	found, err := store.FindOne(ctx, "tenant-1", "hashed-password", "sensor20")
	require.NoError(t, err)
	assert.Equal(t, "4711", found.DeviceID)
	assert.Equal(t, c.Secrets, found.Secrets)
	assert.Equal(t, c.Extensions, found.Extensions)
	assert.Equal(t, 1, store.Count())
}

func TestCredentialStore_AddConflictKeepsExisting(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "sensor20")))

	other := testCredential("tenant-1", "9999", "psk", "sensor20")
	other.Secrets = []domain.Secret{{"key": "changed"}}
	err := store.Add(ctx, other)
	require.ErrorIs(t, err, domain.ErrCredentialAlreadyExists)

	found, err := store.FindOne(ctx, "tenant-1", "psk", "sensor20")
	require.NoError(t, err)
	assert.Equal(t, "4711", found.DeviceID)
	assert.Equal(t, "aG9uby1zZWNyZXQ=", found.Secrets[0]["key"])
	assert.Equal(t, 1, store.Count())
}

func TestCredentialStore_TenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "sensor20")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-2", "4711", "psk", "sensor20")))

	_, err := store.FindOne(ctx, "tenant-3", "psk", "sensor20")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	list, err := store.FindAllForDevice(ctx, "tenant-2", "4711")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCredentialStore_FindOneExactMatchOnly(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "sensor20")))

	for _, tt := range []struct{ credType, authID string }{
		{"PSK", "sensor20"},
		{"psk", "Sensor20"},
		{"psk", "sensor2"},
		{"hashed-password", "sensor20"},
	} {
		_, err := store.FindOne(ctx, "tenant-1", tt.credType, tt.authID)
		assert.ErrorIs(t, err, domain.ErrCredentialNotFound, "%s/%s", tt.credType, tt.authID)
	}
}

func TestCredentialStore_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	c := testCredential("tenant-1", "4711", "psk", "sensor20")
	require.NoError(t, store.Add(ctx, c))
	c.Secrets[0]["key"] = "mutated-after-add"

	found, err := store.FindOne(ctx, "tenant-1", "psk", "sensor20")
	require.NoError(t, err)
	found.Secrets[0]["key"] = "mutated-after-find"

	again, err := store.FindOne(ctx, "tenant-1", "psk", "sensor20")
	require.NoError(t, err)
	assert.Equal(t, "aG9uby1zZWNyZXQ=", again.Secrets[0]["key"])
}

func TestCredentialStore_FindAllForDevice(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", fmt.Sprintf("type%d", i), "sensor20")))
	}
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "other-auth")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4712", "psk", "sensor21")))

	list, err := store.FindAllForDevice(ctx, "tenant-1", "4711")
	require.NoError(t, err)
	require.Len(t, list, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("type%d", i), list[i].Type)
	}
	assert.Equal(t, "other-auth", list[5].AuthID)

	empty, err := store.FindAllForDevice(ctx, "tenant-1", "unknown")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCredentialStore_RemoveOne(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "hashed-password", "sensor20")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "sensor20")))

	require.NoError(t, store.RemoveOne(ctx, "tenant-1", "psk", "sensor20"))

	_, err := store.FindOne(ctx, "tenant-1", "psk", "sensor20")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	list, err := store.FindAllForDevice(ctx, "tenant-1", "4711")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hashed-password", list[0].Type)

	assert.ErrorIs(t, store.RemoveOne(ctx, "tenant-1", "psk", "sensor20"), domain.ErrCredentialNotFound)
}

func TestCredentialStore_RemoveOneWrongTypeChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "hashed-password", "sensor20")))

	err := store.RemoveOne(ctx, "tenant-1", "notExistingType", "sensor20")
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)

	_, err = store.FindOne(ctx, "tenant-1", "hashed-password", "sensor20")
	assert.NoError(t, err)
	assert.Equal(t, 1, store.Count())
}

func TestCredentialStore_RemoveAllForDevice(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "hashed-password", "b")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4712", "psk", "c")))

	removed, err := store.RemoveAllForDevice(ctx, "tenant-1", "4711")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Count())

	_, err = store.FindOne(ctx, "tenant-1", "psk", "a")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
	_, err = store.FindOne(ctx, "tenant-1", "psk", "c")
	assert.NoError(t, err)

	_, err = store.RemoveAllForDevice(ctx, "tenant-1", "4711")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	// 削除後は同じキーで再登録できる
	assert.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
}

func TestCredentialStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-2", "4711", "psk", "a")))

	store.Reset(ctx)

	assert.Equal(t, 0, store.Count())
	_, err := store.FindOne(ctx, "tenant-1", "psk", "a")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestCredentialStore_ConcurrentAddsSameTuple(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	const attempts = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := store.Add(ctx, testCredential("tenant-1", fmt.Sprintf("device-%d", i), "psk", "shared"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrCredentialAlreadyExists):
				conflicts++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 1, store.Count())

	found, err := store.FindOne(ctx, "tenant-1", "psk", "shared")
	require.NoError(t, err)
	list, err := store.FindAllForDevice(ctx, "tenant-1", found.DeviceID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCredentialStore_ConcurrentMixedTenants(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	var wg sync.WaitGroup
	for tenant := 0; tenant < 8; tenant++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(tenant, i int) {
				defer wg.Done()
				tenantID := fmt.Sprintf("tenant-%d", tenant)
				assert.NoError(t, store.Add(ctx, testCredential(tenantID, "dev", "psk", fmt.Sprintf("auth-%d", i))))
				_, err := store.FindAllForDevice(ctx, tenantID, "dev")
				assert.NoError(t, err)
			}(tenant, i)
		}
	}
	wg.Wait()

	assert.Equal(t, 400, store.Count())
	list, err := store.FindAllForDevice(ctx, "tenant-3", "dev")
	require.NoError(t, err)
	assert.Len(t, list, 50)
}

func TestCredentialStore_GaugeTracksConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	store := NewCredentialStore(WithMetrics(m))

	var wg sync.WaitGroup
	for tenant := 0; tenant < 16; tenant++ {
		wg.Add(1)
		go func(tenant int) {
			defer wg.Done()
			tenantID := fmt.Sprintf("tenant-%d", tenant)
			for i := 0; i < 20; i++ {
				assert.NoError(t, store.Add(ctx, testCredential(tenantID, "dev", "psk", fmt.Sprintf("auth-%d", i))))
			}
			if tenant%2 == 0 {
				assert.NoError(t, store.RemoveOne(ctx, tenantID, "psk", "auth-0"))
			} else {
				_, err := store.RemoveAllForDevice(ctx, tenantID, "dev")
				assert.NoError(t, err)
			}
		}(tenant)
	}
	wg.Wait()

	assert.Equal(t, 8*19, store.Count())
	assert.Equal(t, float64(store.Count()), testutil.ToFloat64(m.StoredCredentials))

	store.Reset(ctx)
	assert.Zero(t, testutil.ToFloat64(m.StoredCredentials))
}

func TestCredentialStore_WriteThroughAndReload(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	store := NewCredentialStore(WithBackend(backend, 16))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "b")))
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4712", "psk", "c")))
	require.NoError(t, store.RemoveOne(ctx, "tenant-1", "psk", "b"))
	require.NoError(t, store.Close(ctx))

	reloaded := NewCredentialStore(WithBackend(backend, 16))
	defer reloaded.Close(ctx)
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, 2, reloaded.Count())
	_, err := reloaded.FindOne(ctx, "tenant-1", "psk", "b")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
	found, err := reloaded.FindOne(ctx, "tenant-1", "psk", "a")
	require.NoError(t, err)
	assert.Equal(t, true, found.Extensions["enabled"])

	_, err = reloaded.RemoveAllForDevice(ctx, "tenant-1", "4712")
	require.NoError(t, err)
	require.NoError(t, reloaded.Flush(ctx))

	var count int64
	require.NoError(t, db.Model(&CredentialModel{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

// failingBackend は書き込みが常に失敗するBackend。
type failingBackend struct {
	loadResult []*domain.Credential
}

var errBackendDown = errors.New("backend down")

func (b *failingBackend) LoadAll(ctx context.Context) ([]*domain.Credential, error) {
	return b.loadResult, nil
}

func (b *failingBackend) Insert(ctx context.Context, c *domain.Credential) error {
	return errBackendDown
}

func (b *failingBackend) Delete(ctx context.Context, tenantID, credType, authID string) error {
	return errBackendDown
}

func (b *failingBackend) DeleteByDevice(ctx context.Context, tenantID, deviceID string) error {
	return errBackendDown
}

func (b *failingBackend) Truncate(ctx context.Context) error {
	return errBackendDown
}

func TestCredentialStore_FlushFailureReportedAsFault(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	store := NewCredentialStore(WithBackend(&failingBackend{}, 4), WithMetrics(m))
	defer store.Close(ctx)

	// インメモリのコミットは成功として扱う
	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
	_, err := store.FindOne(ctx, "tenant-1", "psk", "a")
	require.NoError(t, err)

	select {
	case fault := <-store.Faults():
		assert.ErrorIs(t, fault, domain.ErrPersistence)
		assert.ErrorIs(t, fault, errBackendDown)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fault to be reported")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FlushFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoredCredentials))
}

func TestCredentialStore_LoadRejectsDuplicates(t *testing.T) {
	backend := &failingBackend{loadResult: []*domain.Credential{
		testCredential("tenant-1", "4711", "psk", "a"),
		testCredential("tenant-1", "4712", "psk", "a"),
	}}
	store := NewCredentialStore(WithBackend(backend, 4))
	defer store.Close(context.Background())

	err := store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrCredentialAlreadyExists)
}

func TestCredentialStore_AddAfterCloseReportsFault(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(WithBackend(&failingBackend{}, 4))
	require.NoError(t, store.Close(ctx))

	require.NoError(t, store.Add(ctx, testCredential("tenant-1", "4711", "psk", "a")))
	select {
	case fault := <-store.Faults():
		assert.ErrorIs(t, fault, domain.ErrPersistence)
	case <-time.After(time.Second):
		t.Fatal("expected a fault to be reported")
	}
}
