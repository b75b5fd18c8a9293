// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"credential-registry/internal/domain"
	"credential-registry/internal/metrics"
)

// shardCount はテナントを振り分けるシャード数。
const shardCount = 32

// credentialKey は一次インデックスのキー。
type credentialKey struct {
	tenantID string
	credType string
	authID   string
}

// deviceKey はデバイスインデックスのキー。
type deviceKey struct {
	tenantID string
	deviceID string
}

// shard は同じシャードに属するテナントの一次インデックスとデバイスインデックスを保持する。
// 両インデックスは必ず同じロックの下で更新する。
type shard struct {
	mu          sync.RWMutex
	credentials map[credentialKey]*domain.Credential
	devices     map[deviceKey][]credentialKey
}

func newShard() *shard {
	return &shard{
		credentials: make(map[credentialKey]*domain.Credential),
		devices:     make(map[deviceKey][]credentialKey),
	}
}

// CredentialStore はインメモリの認証情報ストア。
// バックエンドが設定されている場合、コミット済みの変更は非同期にバックエンドへ書き込まれる。
type CredentialStore struct {
	shards  [shardCount]*shard
	count   atomic.Int64
	backend Backend
	flusher *flusher
	faults  chan error
	metrics *metrics.Metrics
}

// StoreOption はCredentialStoreの設定を変更する。
type StoreOption func(*storeOptions)

type storeOptions struct {
	backend   Backend
	queueSize int
	metrics   *metrics.Metrics
}

// WithBackend は永続化バックエンドと書き込みキューのサイズを設定する。
func WithBackend(b Backend, queueSize int) StoreOption {
	return func(o *storeOptions) {
		o.backend = b
		o.queueSize = queueSize
	}
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(o *storeOptions) {
		o.metrics = m
	}
}

// NewCredentialStore は新しいCredentialStoreを生成する。
func NewCredentialStore(opts ...StoreOption) *CredentialStore {
	o := storeOptions{queueSize: 1024}
	for _, opt := range opts {
		opt(&o)
	}

	s := &CredentialStore{
		backend: o.backend,
		faults:  make(chan error, 16),
		metrics: o.metrics,
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	if o.backend != nil {
		s.flusher = newFlusher(o.backend, o.queueSize, s.reportFault, o.metrics)
	}
	return s
}

func (s *CredentialStore) shardFor(tenantID string) *shard {
	return s.shards[xxhash.Sum64String(tenantID)%shardCount]
}

// Load はバックエンドから全ての認証情報を読み込む。起動時に一度だけ呼び出す。
func (s *CredentialStore) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	credentials, err := s.backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	for _, c := range credentials {
		sh := s.shardFor(c.TenantID)
		sh.mu.Lock()
		err := s.insertLocked(sh, c)
		sh.mu.Unlock()
		if err != nil {
			return fmt.Errorf("loading credentials %s/%s/%s: %w", c.TenantID, c.Type, c.AuthID, err)
		}
	}
	slog.InfoContext(ctx, "credentials loaded", "count", len(credentials))
	return nil
}

func (s *CredentialStore) insertLocked(sh *shard, c *domain.Credential) error {
	key := credentialKey{tenantID: c.TenantID, credType: c.Type, authID: c.AuthID}
	if _, exists := sh.credentials[key]; exists {
		return domain.ErrCredentialAlreadyExists
	}
	sh.credentials[key] = c
	dk := deviceKey{tenantID: c.TenantID, deviceID: c.DeviceID}
	sh.devices[dk] = append(sh.devices[dk], key)
	s.addCount(1)
	return nil
}

// Add は認証情報を追加する。
// 同じ (テナント, タイプ, 認証ID) が既に存在する場合は ErrCredentialAlreadyExists を返し、既存のエントリは変更しない。
func (s *CredentialStore) Add(ctx context.Context, c *domain.Credential) error {
	stored := c.Clone()
	sh := s.shardFor(stored.TenantID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := s.insertLocked(sh, stored); err != nil {
		return err
	}
	// シャードロック中にキューへ積み、同一キーへの変更順序を保つ
	s.enqueue(ctx, mutation{kind: mutationInsert, credential: stored})
	return nil
}

// FindOne はタイプと認証IDに完全一致する認証情報を返す。
func (s *CredentialStore) FindOne(ctx context.Context, tenantID, credType, authID string) (*domain.Credential, error) {
	sh := s.shardFor(tenantID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	c, ok := sh.credentials[credentialKey{tenantID: tenantID, credType: credType, authID: authID}]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	return c.Clone(), nil
}

// FindAllForDevice はデバイスが所有する全ての認証情報を追加順に返す。
// 該当がない場合は空のスライスを返す。
func (s *CredentialStore) FindAllForDevice(ctx context.Context, tenantID, deviceID string) ([]*domain.Credential, error) {
	sh := s.shardFor(tenantID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	keys := sh.devices[deviceKey{tenantID: tenantID, deviceID: deviceID}]
	result := make([]*domain.Credential, 0, len(keys))
	for _, key := range keys {
		result = append(result, sh.credentials[key].Clone())
	}
	return result, nil
}

// RemoveOne はタイプと認証IDに一致する認証情報を1件削除する。
func (s *CredentialStore) RemoveOne(ctx context.Context, tenantID, credType, authID string) error {
	key := credentialKey{tenantID: tenantID, credType: credType, authID: authID}
	sh := s.shardFor(tenantID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.credentials[key]
	if !ok {
		return domain.ErrCredentialNotFound
	}
	delete(sh.credentials, key)

	dk := deviceKey{tenantID: tenantID, deviceID: c.DeviceID}
	keys := sh.devices[dk]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(sh.devices, dk)
	} else {
		sh.devices[dk] = keys
	}
	s.addCount(-1)

	s.enqueue(ctx, mutation{kind: mutationDelete, tenantID: tenantID, credType: credType, authID: authID})
	return nil
}

// RemoveAllForDevice はデバイスが所有する全ての認証情報を削除する。
// 1件も存在しない場合は ErrCredentialNotFound を返す。
func (s *CredentialStore) RemoveAllForDevice(ctx context.Context, tenantID, deviceID string) (int, error) {
	dk := deviceKey{tenantID: tenantID, deviceID: deviceID}
	sh := s.shardFor(tenantID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	keys, ok := sh.devices[dk]
	if !ok || len(keys) == 0 {
		return 0, domain.ErrCredentialNotFound
	}
	for _, key := range keys {
		delete(sh.credentials, key)
	}
	delete(sh.devices, dk)
	s.addCount(-len(keys))

	s.enqueue(ctx, mutation{kind: mutationDeleteDevice, tenantID: tenantID, deviceID: deviceID})
	return len(keys), nil
}

// Reset は全テナントの認証情報を削除する。テストでの初期化専用。
func (s *CredentialStore) Reset(ctx context.Context) {
	for _, sh := range s.shards {
		sh.mu.Lock()
	}
	for _, sh := range s.shards {
		sh.credentials = make(map[credentialKey]*domain.Credential)
		sh.devices = make(map[deviceKey][]credentialKey)
	}
	s.count.Store(0)
	if s.metrics != nil {
		s.metrics.StoredCredentials.Set(0)
	}
	s.enqueue(ctx, mutation{kind: mutationTruncate})
	for _, sh := range s.shards {
		sh.mu.Unlock()
	}
}

// Count は保存されている認証情報の件数を返す。
func (s *CredentialStore) Count() int {
	return int(s.count.Load())
}

// Faults はバックエンドへの書き込み失敗を通知するチャネルを返す。
// 受信されなかった通知は破棄される。
func (s *CredentialStore) Faults() <-chan error {
	return s.faults
}

// Flush はキューに積まれた変更が全てバックエンドに書き込まれるまで待つ。
func (s *CredentialStore) Flush(ctx context.Context) error {
	if s.flusher == nil {
		return nil
	}
	return s.flusher.sync(ctx)
}

// Close は未書き込みの変更を書き出してからフラッシャーを停止する。
func (s *CredentialStore) Close(ctx context.Context) error {
	if s.flusher == nil {
		return nil
	}
	return s.flusher.close(ctx)
}

func (s *CredentialStore) enqueue(ctx context.Context, m mutation) {
	if s.flusher == nil {
		return
	}
	m.ctx = context.WithoutCancel(ctx)
	if err := s.flusher.enqueue(m); err != nil {
		s.reportFault(m.ctx, m, err)
	}
}

func (s *CredentialStore) reportFault(ctx context.Context, m mutation, err error) {
	slog.ErrorContext(ctx, "failed to flush credentials",
		"operation", m.kind.String(),
		"tenant_id", m.tenantIDOf(),
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.FlushFailures.Inc()
	}
	select {
	case s.faults <- fmt.Errorf("%w: %s: %w", domain.ErrPersistence, m.kind, err):
	default:
	}
}

// addCount は件数とゲージを差分で更新する。
// 異なるシャードのロック下から並行に呼ばれるため、ゲージは差分で更新する。
func (s *CredentialStore) addCount(delta int) {
	s.count.Add(int64(delta))
	if s.metrics != nil {
		s.metrics.StoredCredentials.Add(float64(delta))
	}
}
