package server

import "fmt"

// BindError は起動時にポートを確保できなかったことを表す
// このエラーだけがプロセスの終了につながる
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s へのバインドに失敗: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
