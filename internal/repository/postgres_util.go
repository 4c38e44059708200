package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgreSQLのSQLSTATE
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqInvalidText         = "22P02" // UUID列に不正な文字列を渡した場合など
)

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// pqCode はlib/pqのエラーからSQLSTATEを取り出す。pqのエラーでなければ空文字列を返す。
func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isUniqueViolation は一意制約違反かどうかを返す。
func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

// isForeignKeyViolation は外部キー制約違反かどうかを返す。
func isForeignKeyViolation(err error) bool {
	return pqCode(err) == pqForeignKeyViolation
}

// isInvalidInput は列の型に変換できない入力かどうかを返す。
// 不正な形式のIDは「存在しない」として扱う。
func isInvalidInput(err error) bool {
	return pqCode(err) == pqInvalidText
}

// likePattern はILIKE用に部分一致パターンを組み立てる。
// 入力中のワイルドカード文字はエスケープしてリテラルとして扱う。
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
