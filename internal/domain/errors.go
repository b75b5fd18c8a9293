package domain

import "errors"

var (
	// ErrCredentialNotFound は指定されたキーの認証情報が存在しない場合のエラー。
	ErrCredentialNotFound = errors.New("credentials not found")

	// ErrCredentialAlreadyExists は同じテナント・タイプ・認証IDの認証情報が既に存在する場合のエラー。
	ErrCredentialAlreadyExists = errors.New("credentials already exist")

	// ErrInvalidCredential はリクエストされた認証情報の形式が不正な場合のエラー。
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrUnsupportedMediaType は受け付けないContent-Typeが指定された場合のエラー。
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrInvalidTenantID はテナントIDの形式が不正な場合のエラー。
	ErrInvalidTenantID = errors.New("invalid tenant ID")

	// ErrInvalidPath はパスパラメータのエスケープが不正な場合のエラー。
	ErrInvalidPath = errors.New("invalid path parameter")

	// ErrPersistence は永続化バックエンドへの書き込みに失敗した場合のエラー。
	ErrPersistence = errors.New("persistence failed")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
