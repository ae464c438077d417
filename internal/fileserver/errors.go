package fileserver

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"syscall"
)

// リクエスト単位のエラー。どれも接続1つに閉じており、サーバーは止めない
var (
	// ErrRequestParse はリクエストを解釈できない場合のエラー (400)
	ErrRequestParse = errors.New("不正なリクエスト")
	// ErrNotFound はパスが存在しない場合のエラー (404)
	ErrNotFound = errors.New("ファイルが見つかりません")
	// ErrPermission はアクセスが許可されない場合のエラー (403)
	ErrPermission = errors.New("アクセスが拒否されました")
	// ErrMethodNotAllowed は GET と HEAD 以外のメソッドのエラー (501)
	ErrMethodNotAllowed = errors.New("サポートされていないメソッド")
	// ErrClientDisconnected は送信中にクライアントが切断した場合のエラー
	ErrClientDisconnected = errors.New("クライアントが切断しました")
)

// StatusOf はエラーに対応する HTTP ステータスを返す
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRequestParse):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermission), errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ELOOP), errors.Is(err, syscall.ENAMETOOLONG):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// IsClientDisconnect は書き込みエラーが相手側の切断によるものか判定する
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClientDisconnected) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
