// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"credential-registry/internal/domain"
	"credential-registry/internal/metrics"
)

const tracerName = "credential-registry/usecase"

// CredentialRepository はデータアクセスのインターフェース。
type CredentialRepository interface {
	Add(ctx context.Context, c *domain.Credential) error
	FindOne(ctx context.Context, tenantID, credType, authID string) (*domain.Credential, error)
	FindAllForDevice(ctx context.Context, tenantID, deviceID string) ([]*domain.Credential, error)
	RemoveOne(ctx context.Context, tenantID, credType, authID string) error
	RemoveAllForDevice(ctx context.Context, tenantID, deviceID string) (int, error)
}

// CredentialService は認証情報に関するビジネスロジックを提供する。
type CredentialService struct {
	repo    CredentialRepository
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewCredentialService は新しいCredentialServiceを生成する。m は nil でもよい。
func NewCredentialService(repo CredentialRepository, m *metrics.Metrics) *CredentialService {
	return &CredentialService{
		repo:    repo,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// AddCredential は検証済みの認証情報をテナントに登録する。
func (s *CredentialService) AddCredential(ctx context.Context, tenantID string, c *domain.Credential) (err error) {
	ctx, finish := s.start(ctx, "credential.add", tenantID,
		attribute.String("credential.type", c.Type),
	)
	defer func() { finish(err) }()

	c.TenantID = tenantID
	if err := s.repo.Add(ctx, c); err != nil {
		if errors.Is(err, domain.ErrCredentialAlreadyExists) {
			return err
		}
		return fmt.Errorf("adding credentials: %w", err)
	}
	return nil
}

// GetCredential はタイプと認証IDで認証情報を取得する。
func (s *CredentialService) GetCredential(ctx context.Context, tenantID, credType, authID string) (c *domain.Credential, err error) {
	ctx, finish := s.start(ctx, "credential.get", tenantID,
		attribute.String("credential.type", credType),
	)
	defer func() { finish(err) }()

	c, err = s.repo.FindOne(ctx, tenantID, credType, authID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("finding credentials: %w", err)
	}
	return c, nil
}

// ListDeviceCredentials はデバイスが所有する全ての認証情報を取得する。
// 1件もない場合は ErrCredentialNotFound を返す。
func (s *CredentialService) ListDeviceCredentials(ctx context.Context, tenantID, deviceID string) (list []*domain.Credential, err error) {
	ctx, finish := s.start(ctx, "credential.list_device", tenantID)
	defer func() { finish(err) }()

	list, err = s.repo.FindAllForDevice(ctx, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding device credentials: %w", err)
	}
	if len(list) == 0 {
		return nil, domain.ErrCredentialNotFound
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("credential.count", len(list)))
	return list, nil
}

// RemoveCredential はタイプと認証IDに一致する認証情報を削除する。
func (s *CredentialService) RemoveCredential(ctx context.Context, tenantID, credType, authID string) (err error) {
	ctx, finish := s.start(ctx, "credential.remove", tenantID,
		attribute.String("credential.type", credType),
	)
	defer func() { finish(err) }()

	if err := s.repo.RemoveOne(ctx, tenantID, credType, authID); err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return err
		}
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}

// RemoveDeviceCredentials はデバイスの認証情報を全て削除し、削除件数を返す。
func (s *CredentialService) RemoveDeviceCredentials(ctx context.Context, tenantID, deviceID string) (removed int, err error) {
	ctx, finish := s.start(ctx, "credential.remove_device", tenantID)
	defer func() { finish(err) }()

	removed, err = s.repo.RemoveAllForDevice(ctx, tenantID, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("removing device credentials: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("credential.count", removed))
	return removed, nil
}

// start はスパンを開始し、終了時にスパンとメトリクスへ結果を記録する関数を返す。
func (s *CredentialService) start(ctx context.Context, operation, tenantID string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	attrs = append(attrs, attribute.String("tenant.id", tenantID))
	ctx, span := s.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		result := resultOf(err)
		span.SetAttributes(attribute.String("credential.result", result))
		if result == metrics.ResultError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveOperation(operation, result, time.Since(begin).Seconds())
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, domain.ErrCredentialAlreadyExists):
		return metrics.ResultConflict
	case errors.Is(err, domain.ErrCredentialNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrInvalidCredential):
		return metrics.ResultInvalid
	default:
		return metrics.ResultError
	}
}
