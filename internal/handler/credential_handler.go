// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"credential-registry/internal/domain"
	"credential-registry/internal/middleware"
	"credential-registry/internal/usecase"
	"credential-registry/internal/validation"
	"credential-registry/pkg/httputil"
)

// DefaultMaxBodyBytes はリクエストボディの既定の上限。
const DefaultMaxBodyBytes int64 = 64 * 1024

// 監査ログの操作名。
const (
	opAddCredentials          = "ADD_CREDENTIALS"
	opGetCredentials          = "GET_CREDENTIALS"
	opListDeviceCredentials   = "LIST_DEVICE_CREDENTIALS"
	opRemoveCredentials       = "REMOVE_CREDENTIALS"
	opRemoveDeviceCredentials = "REMOVE_DEVICE_CREDENTIALS"
)

// CredentialHandler は認証情報APIのHTTPハンドラを提供する。
type CredentialHandler struct {
	service      *usecase.CredentialService
	maxBodyBytes int64
}

// NewCredentialHandler は新しいCredentialHandlerを生成する。
// maxBodyBytes が0以下の場合は DefaultMaxBodyBytes を使う。
func NewCredentialHandler(service *usecase.CredentialService, maxBodyBytes int64) *CredentialHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &CredentialHandler{service: service, maxBodyBytes: maxBodyBytes}
}

// CredentialListResponse はデバイスの認証情報一覧のレスポンス形式。
type CredentialListResponse struct {
	Total       int                  `json:"total"`
	Credentials []*domain.Credential `json:"credentials"`
}

// AddCredential は認証情報を登録する。
func (h *CredentialHandler) AddCredential(w http.ResponseWriter, r *http.Request) {
	audit := middleware.AuditEntry{Operation: opAddCredentials}
	if !h.bindPath(w, r, &audit) {
		return
	}

	if err := validation.CheckContentType(r.Header.Get("Content-Type")); err != nil {
		h.fail(w, r, audit, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			audit.Result, audit.Reason = middleware.AuditFailed, "payload too large"
			middleware.WriteAuditLog(r.Context(), audit)
			httputil.Error(w, http.StatusBadRequest, "PAYLOAD_TOO_LARGE", "request body exceeds the size limit")
			return
		}
		h.fail(w, r, audit, err)
		return
	}

	credential, err := validation.ParseCredential(body)
	if err != nil {
		h.fail(w, r, audit, err)
		return
	}
	audit.DeviceID, audit.AuthID, audit.Type = credential.DeviceID, credential.AuthID, credential.Type

	if err := h.service.AddCredential(r.Context(), audit.TenantID, credential); err != nil {
		h.fail(w, r, audit, err)
		return
	}

	audit.Result = middleware.AuditSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.Empty(w, http.StatusCreated)
}

// GetCredential はタイプと認証IDで認証情報を取得する。
func (h *CredentialHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	audit := middleware.AuditEntry{Operation: opGetCredentials}
	if !h.bindPath(w, r, &audit) {
		return
	}

	credential, err := h.service.GetCredential(r.Context(), audit.TenantID, audit.Type, audit.AuthID)
	if err != nil {
		h.fail(w, r, audit, err)
		return
	}

	audit.DeviceID = credential.DeviceID
	audit.Result = middleware.AuditSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.JSON(w, http.StatusOK, credential)
}

// ListDeviceCredentials はデバイスが所有する全ての認証情報を取得する。
func (h *CredentialHandler) ListDeviceCredentials(w http.ResponseWriter, r *http.Request) {
	audit := middleware.AuditEntry{Operation: opListDeviceCredentials}
	if !h.bindPath(w, r, &audit) {
		return
	}

	credentials, err := h.service.ListDeviceCredentials(r.Context(), audit.TenantID, audit.DeviceID)
	if err != nil {
		h.fail(w, r, audit, err)
		return
	}

	audit.Result = middleware.AuditSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.JSON(w, http.StatusOK, CredentialListResponse{
		Total:       len(credentials),
		Credentials: credentials,
	})
}

// RemoveCredential はタイプと認証IDに一致する認証情報を削除する。
func (h *CredentialHandler) RemoveCredential(w http.ResponseWriter, r *http.Request) {
	audit := middleware.AuditEntry{Operation: opRemoveCredentials}
	if !h.bindPath(w, r, &audit) {
		return
	}

	if err := h.service.RemoveCredential(r.Context(), audit.TenantID, audit.Type, audit.AuthID); err != nil {
		h.fail(w, r, audit, err)
		return
	}

	audit.Result = middleware.AuditSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.Empty(w, http.StatusNoContent)
}

// RemoveDeviceCredentials はデバイスの認証情報を全て削除する。
func (h *CredentialHandler) RemoveDeviceCredentials(w http.ResponseWriter, r *http.Request) {
	audit := middleware.AuditEntry{Operation: opRemoveDeviceCredentials}
	if !h.bindPath(w, r, &audit) {
		return
	}

	if _, err := h.service.RemoveDeviceCredentials(r.Context(), audit.TenantID, audit.DeviceID); err != nil {
		h.fail(w, r, audit, err)
		return
	}

	audit.Result = middleware.AuditSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.Empty(w, http.StatusNoContent)
}

// bindPath はパスパラメータを監査エントリに設定し、テナントIDを検証する。
func (h *CredentialHandler) bindPath(w http.ResponseWriter, r *http.Request, audit *middleware.AuditEntry) bool {
	var err error
	for _, p := range []struct {
		key string
		dst *string
	}{
		{"tenant", &audit.TenantID},
		{"deviceId", &audit.DeviceID},
		{"authId", &audit.AuthID},
		{"type", &audit.Type},
	} {
		if *p.dst, err = urlParam(r, p.key); err != nil {
			h.fail(w, r, *audit, err)
			return false
		}
	}
	if err := validation.TenantID(audit.TenantID); err != nil {
		h.fail(w, r, *audit, err)
		return false
	}
	return true
}

// urlParam はパスパラメータをエスケープ解除して返す。
// chiはリクエストにRawPathがある場合はRawPathでルーティングするため、その値はエスケープされたままになっている。
func urlParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	unescaped, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidPath, key)
	}
	return unescaped, nil
}

// fail は監査ログを出力し、エラーをHTTPステータスに対応付けて返す。
func (h *CredentialHandler) fail(w http.ResponseWriter, r *http.Request, audit middleware.AuditEntry, err error) {
	status, code, message := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "credential operation failed",
			"operation", audit.Operation,
			"tenant_id", audit.TenantID,
			"error", err,
		)
	}
	audit.Result = middleware.AuditFailed
	audit.Reason = code
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.Error(w, status, code, message)
}

func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidTenantID):
		return http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format"
	case errors.Is(err, domain.ErrInvalidPath):
		return http.StatusBadRequest, "INVALID_PATH", "path parameter is not a valid escaped segment"
	case errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusBadRequest, "UNSUPPORTED_MEDIA_TYPE", "content type must be application/json"
	case errors.Is(err, domain.ErrInvalidCredential):
		// 検証エラーのメッセージはフィールド名のみを含み、シークレットは含まない
		return http.StatusBadRequest, "INVALID_CREDENTIALS", err.Error()
	case errors.Is(err, domain.ErrCredentialAlreadyExists):
		return http.StatusConflict, "CREDENTIALS_ALREADY_EXIST", "credentials with this type and auth ID already exist"
	case errors.Is(err, domain.ErrCredentialNotFound):
		return http.StatusNotFound, "CREDENTIALS_NOT_FOUND", "credentials not found"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
