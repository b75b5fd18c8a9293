// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// 認証情報ドキュメントのフィールド名。
const (
	FieldDeviceID  = "deviceId"
	FieldType      = "type"
	FieldAuthID    = "authId"
	FieldSecrets   = "secrets"
	FieldNotBefore = "notBefore"
	FieldNotAfter  = "notAfter"
	FieldEnabled   = "enabled"
)

// 既知のシークレットタイプ。タイプは列挙ではなく任意の文字列を受け付ける。
const (
	SecretsTypeHashedPassword = "hashed-password"
	SecretsTypePresharedKey   = "psk"
)

// hashed-password / preshared-key のシークレットで使われるフィールド名。
const (
	FieldSecretsHashFunction = "hash-function"
	FieldSecretsSalt         = "salt"
	FieldSecretsPwdHash      = "pwd-hash"
	FieldSecretsKey          = "key"
)

// Secret は認証情報の1バージョン分のシークレットを表す。
// 中身はタイプごとに異なるため、JSONオブジェクトのまま保持する。
type Secret map[string]any

// NotBefore は有効期間の開始日時を返す。未設定または解釈できない場合はfalse。
func (s Secret) NotBefore() (time.Time, bool) {
	return s.timestamp(FieldNotBefore)
}

// NotAfter は有効期間の終了日時を返す。未設定または解釈できない場合はfalse。
func (s Secret) NotAfter() (time.Time, bool) {
	return s.timestamp(FieldNotAfter)
}

func (s Secret) timestamp(field string) (time.Time, bool) {
	raw, ok := s[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Credential は認証情報エンティティを表す。
// (TenantID, Type, AuthID) の組はリポジトリ内で一意。
type Credential struct {
	TenantID string
	DeviceID string
	Type     string
	AuthID   string
	Secrets  []Secret
	// Extensions は必須フィールド以外のトップレベルフィールド（enabled など）。
	Extensions map[string]any
}

// NewCredentialFromDocument はデコード済みJSONオブジェクトから認証情報を生成する。
// 必須フィールドの型が不正な場合は ErrInvalidCredential を返す。
func NewCredentialFromDocument(doc map[string]any) (*Credential, error) {
	c := &Credential{Extensions: make(map[string]any)}
	for k, v := range doc {
		switch k {
		case FieldDeviceID, FieldType, FieldAuthID:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: field %q must be a string", ErrInvalidCredential, k)
			}
			switch k {
			case FieldDeviceID:
				c.DeviceID = s
			case FieldType:
				c.Type = s
			case FieldAuthID:
				c.AuthID = s
			}
		case FieldSecrets:
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: field %q must be an array", ErrInvalidCredential, k)
			}
			c.Secrets = make([]Secret, 0, len(items))
			for i, item := range items {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: %s[%d] must be an object", ErrInvalidCredential, k, i)
				}
				c.Secrets = append(c.Secrets, Secret(obj))
			}
		default:
			c.Extensions[k] = v
		}
	}
	return c, nil
}

// Enabled は認証情報が有効かどうかを返す。enabled が明示的に false でない限り有効とみなす。
func (c *Credential) Enabled() bool {
	enabled, ok := c.Extensions[FieldEnabled].(bool)
	return !ok || enabled
}

// Document は認証情報をワイヤ形式のJSONオブジェクトに変換する。
func (c *Credential) Document() map[string]any {
	doc := make(map[string]any, len(c.Extensions)+4)
	for k, v := range c.Extensions {
		doc[k] = v
	}
	secrets := make([]any, len(c.Secrets))
	for i, s := range c.Secrets {
		secrets[i] = map[string]any(s)
	}
	doc[FieldDeviceID] = c.DeviceID
	doc[FieldType] = c.Type
	doc[FieldAuthID] = c.AuthID
	doc[FieldSecrets] = secrets
	return doc
}

// MarshalJSON はワイヤ形式でエンコードする。TenantIDはパスで表現されるため含めない。
func (c *Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Document())
}

// UnmarshalJSON はワイヤ形式からデコードする。数値は json.Number として保持する。
func (c *Credential) UnmarshalJSON(data []byte) error {
	doc, err := DecodeDocument(data)
	if err != nil {
		return err
	}
	parsed, err := NewCredentialFromDocument(doc)
	if err != nil {
		return err
	}
	parsed.TenantID = c.TenantID
	*c = *parsed
	return nil
}

// Clone はディープコピーを返す。
func (c *Credential) Clone() *Credential {
	out := &Credential{
		TenantID:   c.TenantID,
		DeviceID:   c.DeviceID,
		Type:       c.Type,
		AuthID:     c.AuthID,
		Secrets:    make([]Secret, len(c.Secrets)),
		Extensions: make(map[string]any, len(c.Extensions)),
	}
	for i, s := range c.Secrets {
		out.Secrets[i] = Secret(cloneValue(map[string]any(s)).(map[string]any))
	}
	for k, v := range c.Extensions {
		out.Extensions[k] = cloneValue(v)
	}
	return out
}

// DecodeDocument はJSONオブジェクトをデコードする。数値の桁を失わないよう UseNumber を使う。
func DecodeDocument(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidCredential)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after JSON object", ErrInvalidCredential)
	}
	return doc, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Secret:
		return cloneValue(map[string]any(t))
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
