package fileserver

import (
	"net/http"
)

// trackingWriter は最初の書き込みエラーと送信バイト数を記録する
// http.ServeContent はコピー中のエラーを返さないため、ここで拾う
type trackingWriter struct {
	http.ResponseWriter
	written int64
	err     error
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// Unwrap は http.ResponseController 用
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
