// Package mimetable は拡張子から Content-Type を引く不変テーブルを提供する
//
// # 責務
// - 組み込みの既定テーブルの保持
// - 起動時に渡される上書き設定のマージ
// - 大文字小文字を区別しない拡張子の検索
//
// # 仕様
// - テーブルは New でのみ構築され、以後変更されない
// - 未登録の拡張子は application/octet-stream として扱う
// - 複数の接続から同時に参照してもロックは不要
package mimetable

import (
	"path/filepath"
	"strings"
)

// Fallback は未登録の拡張子に使う Content-Type
const Fallback = "application/octet-stream"

// builtin は組み込みの既定テーブル
var builtin = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".xml":   "text/xml; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".wasm":  "application/wasm",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".wav":   "audio/wav",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
}

// Table は拡張子と Content-Type の対応表
type Table struct {
	types map[string]string
}

// New は組み込みテーブルに overrides を順にマージしたテーブルを作成する
// キーが衝突した場合は後に渡されたマップが優先される
func New(overrides ...map[string]string) *Table {
	types := make(map[string]string, len(builtin))
	for ext, typ := range builtin {
		types[ext] = typ
	}

	for _, m := range overrides {
		for ext, typ := range m {
			key := normalize(ext)
			if key == "" || typ == "" {
				continue
			}
			types[key] = typ
		}
	}

	return &Table{types: types}
}

// Lookup は拡張子に対応する Content-Type を返す
func (t *Table) Lookup(ext string) (string, bool) {
	typ, ok := t.types[normalize(ext)]
	return typ, ok
}

// TypeOf はファイル名の拡張子から Content-Type を返す
// 未登録の場合は Fallback を返す
func (t *Table) TypeOf(name string) string {
	if typ, ok := t.Lookup(filepath.Ext(name)); ok {
		return typ
	}
	return Fallback
}

// Len は登録されている拡張子の数を返す
func (t *Table) Len() int {
	return len(t.types)
}

// normalize は拡張子を小文字かつ先頭ドット付きに揃える
func normalize(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
