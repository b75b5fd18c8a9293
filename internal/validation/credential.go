// Package validation はリポジトリ操作前のリクエスト検証を提供する。
// 副作用を持たない純粋な関数のみを公開する。
package validation

import (
	"fmt"
	"mime"
	"regexp"
	"unicode/utf8"

	"credential-registry/internal/domain"
)

// ContentTypeJSON はレジストリが受け付ける唯一のメディアタイプ。
const ContentTypeJSON = "application/json"

// MaxTenantIDLength はテナントIDの最大長。
const MaxTenantIDLength = 64

// キー列の最大文字数。永続化スキーマの列長と一致させる。
const (
	MaxTypeLength = 64
	MaxIDLength   = 191
)

var maxFieldLength = map[string]int{
	domain.FieldDeviceID: MaxIDLength,
	domain.FieldType:     MaxTypeLength,
	domain.FieldAuthID:   MaxIDLength,
}

var tenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// TenantID はテナントIDの形式を検証する。
func TenantID(tenantID string) error {
	if tenantID == "" || len(tenantID) > MaxTenantIDLength {
		return domain.ErrInvalidTenantID
	}
	if !tenantIDRegex.MatchString(tenantID) {
		return domain.ErrInvalidTenantID
	}
	return nil
}

// CheckContentType は宣言されたContent-Typeが application/json であることを検証する。
// charset などのパラメータは許容する。
func CheckContentType(header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing content type", domain.ErrUnsupportedMediaType)
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, header)
	}
	if mediaType != ContentTypeJSON {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, mediaType)
	}
	return nil
}

// ParseCredential はリクエストボディを認証情報に変換する。
// deviceId / type / authId は空でない文字列、secrets は空でないオブジェクト配列でなければならない。
// シークレットの中身はタイプごとの解釈を行わない。
func ParseCredential(body []byte) (*domain.Credential, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrInvalidCredential)
	}
	doc, err := domain.DecodeDocument(body)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{domain.FieldDeviceID, domain.FieldType, domain.FieldAuthID} {
		v, ok := doc[field]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", domain.ErrInvalidCredential, field)
		}
		s, isString := v.(string)
		if !isString || s == "" {
			return nil, fmt.Errorf("%w: field %q must be a non-empty string", domain.ErrInvalidCredential, field)
		}
		if utf8.RuneCountInString(s) > maxFieldLength[field] {
			return nil, fmt.Errorf("%w: field %q exceeds %d characters", domain.ErrInvalidCredential, field, maxFieldLength[field])
		}
	}
	if _, ok := doc[domain.FieldSecrets]; !ok {
		return nil, fmt.Errorf("%w: missing field %q", domain.ErrInvalidCredential, domain.FieldSecrets)
	}

	c, err := domain.NewCredentialFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if len(c.Secrets) == 0 {
		return nil, fmt.Errorf("%w: field %q must not be empty", domain.ErrInvalidCredential, domain.FieldSecrets)
	}
	return c, nil
}
