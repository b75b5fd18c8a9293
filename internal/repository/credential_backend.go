package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"credential-registry/internal/domain"
)

// Backend はCredentialStoreの永続化先のインターフェース。
// 起動時の全件読み込みと、コミット済み変更の書き込みを提供する。
type Backend interface {
	LoadAll(ctx context.Context) ([]*domain.Credential, error)
	Insert(ctx context.Context, c *domain.Credential) error
	Delete(ctx context.Context, tenantID, credType, authID string) error
	DeleteByDevice(ctx context.Context, tenantID, deviceID string) error
	Truncate(ctx context.Context) error
}

// CredentialModel はgorm用のモデル定義。
// キー列はインメモリのインデックスと同じく大文字小文字を区別して比較する必要があるため、
// MySQLでは utf8mb4_bin で照合する (migrations/003_binary_key_collation.mysql.sql)。
type CredentialModel struct {
	ID        string         `gorm:"type:char(36);primaryKey"`
	TenantID  string         `gorm:"type:varchar(64);not null;uniqueIndex:uk_tenant_type_auth;index:idx_tenant_device"`
	Type      string         `gorm:"type:varchar(64);not null;uniqueIndex:uk_tenant_type_auth"`
	AuthID    string         `gorm:"type:varchar(191);not null;uniqueIndex:uk_tenant_type_auth"`
	DeviceID  string         `gorm:"type:varchar(191);not null;index:idx_tenant_device"`
	Document  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (CredentialModel) TableName() string {
	return "credentials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *CredentialModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *CredentialModel) toDomain() (*domain.Credential, error) {
	c := &domain.Credential{}
	if err := json.Unmarshal(m.Document, c); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", m.ID, err)
	}
	// キー列を正とする
	c.TenantID = m.TenantID
	c.Type = m.Type
	c.AuthID = m.AuthID
	c.DeviceID = m.DeviceID
	return c, nil
}

// GormBackend はgormによるBackendの実装。
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend は新しいGormBackendを生成する。
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// LoadAll は全ての認証情報を登録順に取得する。
func (b *GormBackend) LoadAll(ctx context.Context) ([]*domain.Credential, error) {
	var models []CredentialModel
	err := b.db.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to load credentials",
			"operation", "load_all",
			"error", err,
		)
		return nil, err
	}

	credentials := make([]*domain.Credential, 0, len(models))
	for i := range models {
		c, err := models[i].toDomain()
		if err != nil {
			slog.ErrorContext(ctx, "failed to decode credentials",
				"operation", "load_all",
				"tenant_id", models[i].TenantID,
				"error", err,
			)
			return nil, err
		}
		credentials = append(credentials, c)
	}
	return credentials, nil
}

// Insert は認証情報を保存する。
func (b *GormBackend) Insert(ctx context.Context, c *domain.Credential) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	model := &CredentialModel{
		TenantID: c.TenantID,
		Type:     c.Type,
		AuthID:   c.AuthID,
		DeviceID: c.DeviceID,
		Document: datatypes.JSON(doc),
	}
	if err := b.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to insert credentials",
			"operation", "insert",
			"tenant_id", c.TenantID,
			"type", c.Type,
			"error", err,
		)
		return err
	}
	return nil
}

// Delete はタイプと認証IDに一致する認証情報を削除する。
func (b *GormBackend) Delete(ctx context.Context, tenantID, credType, authID string) error {
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND type = ? AND auth_id = ?", tenantID, credType, authID).
		Delete(&CredentialModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete credentials",
			"operation", "delete",
			"tenant_id", tenantID,
			"type", credType,
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteByDevice はデバイスの認証情報を1つのステートメントでまとめて削除する。
func (b *GormBackend) DeleteByDevice(ctx context.Context, tenantID, deviceID string) error {
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Delete(&CredentialModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete credentials by device",
			"operation", "delete_by_device",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}
	return nil
}

// Truncate は全ての認証情報を削除する。
func (b *GormBackend) Truncate(ctx context.Context) error {
	err := b.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&CredentialModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to truncate credentials",
			"operation", "truncate",
			"error", err,
		)
		return err
	}
	return nil
}
