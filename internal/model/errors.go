package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, extension, social, tip, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidAsset      = "INVALID_ASSET"
	ErrCodeInvalidUsername   = "INVALID_USERNAME"
	ErrCodeInvalidPlatform   = "INVALID_PLATFORM"
	ErrCodeExtensionNotFound = "EXTENSION_NOT_FOUND"
	ErrCodeBusy              = "BUSY"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeTipNotFound       = "TIP_NOT_FOUND"
	ErrCodeTipNotClaimable   = "TIP_NOT_CLAIMABLE"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeUnknownCall       = "UNKNOWN_CALL"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRF              = "CSRF_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
)

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Not logged in",
		Category: "auth",
		Action:   "Log in with the Smirk extension first.",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Reload the page and try again.",
	}
}

// NewInvalidAssetError は未対応資産エラーを生成する。
func NewInvalidAssetError(asset string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAsset,
		Message:  fmt.Sprintf("Unsupported asset: %s", asset),
		Category: "validation",
		Action:   "Choose one of the listed coins.",
	}
}

// NewInvalidUsernameError はユーザー名検証エラーを生成する。
// messageは検証ルールごとの文言をそのまま使う。
func NewInvalidUsernameError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  message,
		Category: "validation",
		Action:   "Pick a different username.",
	}
}

// NewInvalidPlatformError は連携方式が設定されていないプラットフォームのエラーを生成する。
func NewInvalidPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("Unsupported platform: %s", platform),
		Category: "validation",
		Action:   "Choose one of the listed platforms.",
	}
}

// NewExtensionNotFoundError は拡張機能未検出エラーを生成する。
func NewExtensionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeExtensionNotFound,
		Message:  "Smirk extension not found",
		Category: "extension",
		Action:   "Install the Smirk browser extension and reload the page.",
	}
}

// NewBusyError は処理中の操作と重なった場合のエラーを生成する。
func NewBusyError() *APIError {
	return &APIError{
		Code:     ErrCodeBusy,
		Message:  "Another action is still in progress",
		Category: "system",
		Action:   "Wait for the current action to finish.",
	}
}

// NewBackendError はバックエンド呼び出し失敗を利用者向けメッセージ付きで生成する。
func NewBackendError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeBackend,
		Message:  message,
		Category: "system",
		Action:   "Try again in a moment.",
	}
}


// NewTipNotFoundError は公開チップ未検出エラーを生成する。
func NewTipNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTipNotFound,
		Message:  "Tip not found or not available",
		Category: "tip",
		Action:   "Check the link you were given.",
	}
}

// NewTipNotClaimableError は受け取り不可の状態で受け取りを試みた場合のエラーを生成する。
func NewTipNotClaimableError() *APIError {
	return &APIError{
		Code:     ErrCodeTipNotClaimable,
		Message:  "This tip cannot be claimed right now",
		Category: "tip",
		Action:   "Wait for confirmations or check the tip status.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "validation",
		Action:   "Check the username spelling.",
	}
}

// NewUnknownCallError は拡張機能ブリッジへの不明な応答のエラーを生成する。
func NewUnknownCallError() *APIError {
	return &APIError{
		Code:     ErrCodeUnknownCall,
		Message:  "Unknown or expired extension call",
		Category: "extension",
		Action:   "Reload the page.",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Wait and retry after the time given in Retry-After.",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "CSRF token validation failed",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Something went wrong",
		Category: "system",
		Action:   "Try again in a moment.",
	}
}

// NewNotFoundError は存在しないエンドポイントのエラーを返す。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "Not found",
		Category: "request",
		Action:   "Check the URL.",
	}
}
