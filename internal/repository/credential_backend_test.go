package repository

import (
	"context"
	"testing"

	"credential-registry/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// :memory: は接続ごとに別のDBになるため接続を1本に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	sql := `
		CREATE TABLE credentials (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL,
			auth_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			document TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(tenant_id, type, auth_id)
		);
		CREATE INDEX idx_tenant_device ON credentials(tenant_id, device_id);
	`
	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create credentials table: %v", err)
	}

	return db
}

func testCredential(tenantID, deviceID, credType, authID string) *domain.Credential {
	return &domain.Credential{
		TenantID: tenantID,
		DeviceID: deviceID,
		Type:     credType,
		AuthID:   authID,
		Secrets: []domain.Secret{{
			"notBefore": "2017-05-01T14:00:00+01:00",
			"key":       "aG9uby1zZWNyZXQ=",
		}},
		Extensions: map[string]any{"enabled": true},
	}
}

func TestGormBackend_InsertAndLoadAll(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	if err := backend.Insert(ctx, testCredential("tenant-1", "4711", "psk", "sensor1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Insert(ctx, testCredential("tenant-2", "4712", "hashed-password", "sensor2")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// UUID自動生成を確認
	var model CredentialModel
	if err := db.Where("auth_id = ?", "sensor1").First(&model).Error; err != nil {
		t.Fatalf("failed to fetch record: %v", err)
	}
	if model.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}

	credentials, err := backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(credentials) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(credentials))
	}

	var loaded *domain.Credential
	for _, c := range credentials {
		if c.AuthID == "sensor1" {
			loaded = c
		}
	}
	if loaded == nil {
		t.Fatal("expected sensor1 to be loaded")
	}
	if loaded.TenantID != "tenant-1" || loaded.DeviceID != "4711" || loaded.Type != "psk" {
		t.Errorf("unexpected key fields: %+v", loaded)
	}
	if len(loaded.Secrets) != 1 || loaded.Secrets[0]["key"] != "aG9uby1zZWNyZXQ=" {
		t.Errorf("secrets not round-tripped: %+v", loaded.Secrets)
	}
	if loaded.Extensions["enabled"] != true {
		t.Errorf("expected enabled=true, got %v", loaded.Extensions["enabled"])
	}
}

func TestGormBackend_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	if err := backend.Insert(ctx, testCredential("tenant-1", "4711", "psk", "sensor1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Insert(ctx, testCredential("tenant-1", "other", "psk", "sensor1")); err == nil {
		t.Error("expected unique constraint violation, got nil")
	}
}

func TestGormBackend_Delete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	for _, c := range []*domain.Credential{
		testCredential("tenant-1", "4711", "psk", "sensor1"),
		testCredential("tenant-1", "4711", "hashed-password", "sensor1"),
	} {
		if err := backend.Insert(ctx, c); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := backend.Delete(ctx, "tenant-1", "psk", "sensor1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var count int64
	if err := db.Model(&CredentialModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestGormBackend_KeysAreCaseSensitive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	for _, c := range []*domain.Credential{
		testCredential("tenant-1", "4711", "psk", "sensor"),
		testCredential("tenant-1", "4711", "psk", "Sensor"),
		testCredential("tenant-1", "Device", "psk", "other"),
	} {
		if err := backend.Insert(ctx, c); err != nil {
			t.Fatalf("Insert %s failed: %v", c.AuthID, err)
		}
	}

	if err := backend.Delete(ctx, "tenant-1", "psk", "sensor"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := backend.DeleteByDevice(ctx, "tenant-1", "device"); err != nil {
		t.Fatalf("DeleteByDevice failed: %v", err)
	}

	loaded, err := backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	authIDs := make(map[string]bool)
	for _, c := range loaded {
		authIDs[c.AuthID] = true
	}
	if len(loaded) != 2 || !authIDs["Sensor"] || !authIDs["other"] {
		t.Errorf("expected Sensor and other to remain, got %v", authIDs)
	}
}

func TestGormBackend_DeleteByDevice(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	for _, c := range []*domain.Credential{
		testCredential("tenant-1", "4711", "psk", "a"),
		testCredential("tenant-1", "4711", "psk", "b"),
		testCredential("tenant-1", "4712", "psk", "c"),
		testCredential("tenant-2", "4711", "psk", "a"),
	} {
		if err := backend.Insert(ctx, c); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := backend.DeleteByDevice(ctx, "tenant-1", "4711"); err != nil {
		t.Fatalf("DeleteByDevice failed: %v", err)
	}

	var count int64
	if err := db.Model(&CredentialModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}
}

func TestGormBackend_Truncate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	backend := NewGormBackend(db)

	if err := backend.Insert(ctx, testCredential("tenant-1", "4711", "psk", "a")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Truncate(ctx); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	credentials, err := backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(credentials) != 0 {
		t.Errorf("expected empty slice, got %d credentials", len(credentials))
	}
}
