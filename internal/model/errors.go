package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, issue, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrNotFound) のようにセンチネルと比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable は呼び出し元が再読込のうえ再試行してよいエラーかどうかを返す。
// 競合（CONFLICT）のみが該当する。
func (e *APIError) Retryable() bool {
	return e.Code == ErrCodeConflict
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeIssueClosed        = "ISSUE_CLOSED"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
)

// errors.Is 比較用のセンチネル。
var (
	ErrValidation         = &APIError{Code: ErrCodeValidation}
	ErrInvalidCredentials = &APIError{Code: ErrCodeInvalidCredentials}
	ErrUnauthenticated    = &APIError{Code: ErrCodeUnauthenticated}
	ErrForbidden          = &APIError{Code: ErrCodeForbidden}
	ErrNotFound           = &APIError{Code: ErrCodeNotFound}
	ErrInvalidTransition  = &APIError{Code: ErrCodeInvalidTransition}
	ErrConflict           = &APIError{Code: ErrCodeConflict}
	ErrIssueClosed        = &APIError{Code: ErrCodeIssueClosed}
	ErrEmailTaken         = &APIError{Code: ErrCodeEmailTaken}
)

// NewValidationError は入力検証エラーを生成する。
// messageはそのままUIに表示される。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Correct the input and try again.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレス未登録とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid credentials",
		Category: "auth",
		Action:   "Check your email address and password.",
	}
}

// NewUnauthenticatedError は未認証・セッション期限切れエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
// 拒否理由の詳細は含めない。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Not permitted",
		Category: "auth",
		Action:   "Ask a maintainer or administrator.",
	}
}

// NewNotFoundError はエンティティ未検出エラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", kind, id),
		Category: "issue",
		Action:   "Check the identifier.",
	}
}

// NewInvalidTransitionError は状態遷移グラフにない遷移のエラーを生成する。
func NewInvalidTransitionError(from, to Status) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("Cannot transition from %s to %s", from, to),
		Category: "validation",
		Action:   "Choose one of the available transitions.",
	}
}

// NewConflictError は同時更新の競合エラーを生成する。
func NewConflictError(issueID string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("Issue %s was modified concurrently", issueID),
		Category: "issue",
		Action:   "Reload the issue and retry.",
	}
}

// NewIssueClosedError はクローズ済み課題へのコメント拒否エラーを生成する。
func NewIssueClosedError(issueID string) *APIError {
	return &APIError{
		Code:     ErrCodeIssueClosed,
		Message:  fmt.Sprintf("Issue %s is closed", issueID),
		Category: "issue",
		Action:   "Reopen the issue before commenting.",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "User with this email already exists",
		Category: "validation",
		Action:   "Sign in or use another email address.",
	}
}
