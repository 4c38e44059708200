package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// MaxPasswordBytes はbcryptが受け付けるパスワードの最大バイト数。
const MaxPasswordBytes = 72

// ErrPasswordTooLong はパスワードがMaxPasswordBytesを超える場合のエラー。
var ErrPasswordTooLong = fmt.Errorf("password must be at most %d bytes", MaxPasswordBytes)

// HashPassword はbcryptでパスワードをハッシュ化する。
// costが範囲外の場合はbcrypt.DefaultCostを使用する。
func HashPassword(password string, cost int) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword はハッシュとパスワードが一致するかを返す。
func ComparePassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// NormalizeEmail は前後の空白を除去して小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var errInvalidEmail = errors.New("invalid email format")

// validateEmailFormat はメールアドレスの形式を検証する。
// 表示名付きの形式（"Name <a@b>"）は受け付けない。
func validateEmailFormat(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || !strings.Contains(email[at+1:], ".") {
		return errInvalidEmail
	}
	return nil
}

// validatePasswordStrength は登録時のパスワード強度を検証する。
// 8文字以上72バイト以下で、英大文字・英小文字・数字をそれぞれ1文字以上含む必要がある。
func validatePasswordStrength(password string) string {
	if len(password) < MinPasswordLength {
		return fmt.Sprintf("Password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Sprintf("Password must be at most %d bytes", MaxPasswordBytes)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return "Password must contain an uppercase letter, a lowercase letter and a digit"
	}
	return ""
}
