package fileserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"staticserve/internal/metrics"
	"staticserve/internal/mimetable"
)

// Options は Handler の設定
type Options struct {
	Root         string
	IndexFiles   []string
	Listing      bool
	SniffUnknown bool
	Types        *mimetable.Table
	Log          logrus.FieldLogger
	Metrics      *metrics.Metrics
}

// Handler はルートディレクトリ配下のファイルを配信する
// 作成後は読み取り専用で、複数のリクエストから同時に使える
type Handler struct {
	root    string
	index   []string
	listing bool
	sniff   bool
	types   *mimetable.Table
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New は新しい Handler を作成する
func New(opts Options) (*Handler, error) {
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("ルートディレクトリの解決に失敗: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("ルートディレクトリの解決に失敗: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("ルートディレクトリを開けません: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ルートがディレクトリではありません: %s", root)
	}

	h := &Handler{
		root:    root,
		index:   append([]string(nil), opts.IndexFiles...),
		listing: opts.Listing,
		sniff:   opts.SniffUnknown,
		types:   opts.Types,
		log:     opts.Log,
		metrics: opts.Metrics,
	}
	if h.types == nil {
		h.types = mimetable.New()
	}
	if h.log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		h.log = logger
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}

	return h, nil
}

// Root は解決済みのルートディレクトリを返す
func (h *Handler) Root() string {
	return h.root
}

// TypeCount は Content-Type を登録済みの拡張子の数を返す
func (h *Handler) TypeCount() int {
	return h.types.Len()
}

// Register は全メソッドのハンドラをルーターに登録する
func (h *Handler) Register(r gin.IRoutes) {
	r.Any("/*filepath", h.Serve)
}

// Serve は1リクエストを処理する
func (h *Handler) Serve(c *gin.Context) {
	r := c.Request
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		c.Header("Allow", "GET, HEAD")
		h.fail(c, fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method))
		return
	}

	urlPath := r.URL.Path
	if urlPath == "" {
		urlPath = "/"
	}

	name, err := h.resolve(urlPath)
	if err != nil {
		h.fail(c, err)
		return
	}

	info, err := os.Stat(name)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch {
	case info.IsDir():
		h.serveDir(c, urlPath, name)
	case info.Mode().IsRegular() && strings.HasSuffix(urlPath, "/"):
		h.fail(c, fmt.Errorf("%w: %s", ErrNotFound, urlPath))
	case info.Mode().IsRegular():
		h.serveFile(c, name, path.Base(urlPath), info)
	default:
		// デバイスやソケットは配信しない
		h.fail(c, fmt.Errorf("%w: %s", ErrNotFound, urlPath))
	}
}

// resolve はURLパスをルート配下の実パスに変換する
func (h *Handler) resolve(urlPath string) (string, error) {
	if strings.IndexByte(urlPath, 0) >= 0 || !strings.HasPrefix(urlPath, "/") {
		return "", fmt.Errorf("%w: %q", ErrRequestParse, urlPath)
	}
	if climbsAboveRoot(urlPath) {
		return "", fmt.Errorf("%w: %s", ErrPermission, urlPath)
	}

	full := filepath.Join(h.root, filepath.FromSlash(path.Clean(urlPath)))
	return h.contain(full)
}

// contain はシンボリックリンクを解決し、結果がルート配下にあることを確かめる
func (h *Handler) contain(name string) (string, error) {
	resolved, err := filepath.EvalSymlinks(name)
	if err != nil {
		// リンクの循環は OS のエラー (ELOOP) として取り直す
		if _, serr := os.Stat(name); serr != nil {
			return "", serr
		}
		return "", err
	}
	rel, err := filepath.Rel(h.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: ルートの外を指しています", ErrPermission)
	}
	return resolved, nil
}

// serveDir はディレクトリへのリクエストを処理する
func (h *Handler) serveDir(c *gin.Context, urlPath, dir string) {
	if !strings.HasSuffix(urlPath, "/") {
		// 先頭のスラッシュを1つにして別ホストへのリダイレクトを防ぐ
		target := "/" + strings.TrimLeft(c.Request.URL.EscapedPath(), "/") + "/"
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}
		c.Redirect(http.StatusMovedPermanently, target)
		return
	}

	for _, idx := range h.index {
		name, err := h.contain(filepath.Join(dir, idx))
		if err != nil {
			continue
		}
		info, err := os.Stat(name)
		if err == nil && info.Mode().IsRegular() {
			h.serveFile(c, name, idx, info)
			return
		}
	}

	if !h.listing {
		h.fail(c, fmt.Errorf("%w: %s", ErrNotFound, urlPath))
		return
	}
	h.serveListing(c, urlPath, dir)
}

// serveFile はファイル本体を送信する
func (h *Handler) serveFile(c *gin.Context, name, display string, info os.FileInfo) {
	f, err := os.Open(name)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	ctype := h.types.TypeOf(display)
	if _, known := h.types.Lookup(path.Ext(display)); !known && h.sniff {
		if mt, err := mimetype.DetectReader(f); err == nil {
			ctype = mt.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			h.fail(c, err)
			return
		}
	}
	c.Header("Content-Type", ctype)

	w := &trackingWriter{ResponseWriter: c.Writer}
	http.ServeContent(w, c.Request, display, info.ModTime(), f)
	h.finish(c, w)
}

// finish は送信中に発生した書き込みエラーを処理する
func (h *Handler) finish(c *gin.Context, w *trackingWriter) {
	if w.err == nil {
		return
	}

	entry := h.log.WithFields(logrus.Fields{
		"path":    c.Request.URL.Path,
		"remote":  c.Request.RemoteAddr,
		"written": w.written,
	}).WithError(w.err)

	if IsClientDisconnect(w.err) || c.Request.Context().Err() != nil {
		h.metrics.ClientDisconnected()
		_ = c.Error(fmt.Errorf("%w: %v", ErrClientDisconnected, w.err))
		entry.Debug("送信中にクライアントが切断しました")
		return
	}

	entry.Warn("レスポンスの書き込みに失敗しました")
}

// fail はエラーに対応するステータスとプレーンテキストの本文を返す
func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	entry := h.log.WithField("path", c.Request.URL.Path).WithError(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		entry.Error("リクエストの処理に失敗しました")
	} else {
		entry.Debug("エラー応答を返します")
	}

	body := fmt.Sprintf("%d %s\n", status, http.StatusText(status))
	writeBody(c, status, "text/plain; charset=utf-8", []byte(body))
}

// writeBody は Content-Length 付きで本文を書き込む
func writeBody(c *gin.Context, status int, ctype string, body []byte) {
	c.Header("Content-Length", strconv.Itoa(len(body)))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(status, ctype, body)
}

// climbsAboveRoot は ".." を順に畳んだとき "/" より上に出るか判定する
// "/docs/../hello.txt" はルート配下なので許可する
func climbsAboveRoot(urlPath string) bool {
	depth := 0
	for _, seg := range strings.FieldsFunc(urlPath, isSeparator) {
		switch seg {
		case ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
