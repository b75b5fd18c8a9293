package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogs はテスト中のデフォルトロガーをバッファに差し替える。
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWriteAuditLog(t *testing.T) {
	buf := captureLogs(t)

	WriteAuditLog(context.Background(), AuditEntry{
		Operation: "ADD_CREDENTIALS",
		TenantID:  "tenant-001",
		DeviceID:  "4711",
		AuthID:    "sensor1",
		Type:      "psk",
		Result:    AuditSuccess,
	})

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ADD_CREDENTIALS", record["operation"])
	assert.Equal(t, "tenant-001", record["tenant_id"])
	assert.Equal(t, "4711", record["device_id"])
	assert.Equal(t, "sensor1", record["auth_id"])
	assert.Equal(t, "psk", record["type"])
	assert.Equal(t, AuditSuccess, record["result"])
	assert.NotContains(t, record, "reason")
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/credentials/tenant-001/4711", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "GET", record["method"])
	assert.Equal(t, "/credentials/tenant-001/4711", record["path"])
	assert.EqualValues(t, http.StatusTeapot, record["status"])
}
