package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticserve/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig はテスト用の設定を作成する
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"index.html":     "<h1>staticserve</h1>\n",
		"hello.txt":      "hello world\n",
		"app/main.mjs":   "import './board.mjs';\n",
		"app/board.mjs":  "export const size = 8;\n",
		"app/index.html": "<script type=\"module\" src=\"main.mjs\"></script>\n",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ランダムポートを使用
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Files.Root = root
	return cfg
}

// startServer はサーバーを別ゴルーチンで起動し、テスト終了時に停止する
func startServer(t *testing.T, cfg *config.Config) (*Server, *test.Hook, string) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err, "サーバーの停止でエラーが発生しました")
		case <-time.After(5 * time.Second):
			t.Error("サーバーの停止がタイムアウトしました")
		}
	})

	return srv, hook, "http://" + srv.Addr().String()
}

func fetch(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	logger, hook := test.NewNullLogger()

	srv, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// 起動メッセージが出るまで待つ
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if strings.HasPrefix(e.Message, "ポート ") {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err, "サーバーの起動/停止でエラーが発生しました")
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	assert.Equal(t, "サーバーが正常にシャットダウンされました", hook.LastEntry().Message)
}

func TestStartupMessage(t *testing.T) {
	srv, hook, _ := startServer(t, testConfig(t))

	var found *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == fmt.Sprintf("ポート %d で配信しています", srv.Port()) {
			found = e
		}
	}
	require.NotNil(t, found, "起動メッセージが出力されていません")
	assert.Equal(t, logrus.InfoLevel, found.Level)
	assert.Equal(t, srv.Addr().String(), found.Data["addr"])
	assert.Equal(t, srv.files.TypeCount(), found.Data["mime_types"])
	assert.Positive(t, srv.files.TypeCount())
	assert.NotZero(t, srv.Port())
}

func TestBindError(t *testing.T) {
	// 先にポートを確保しておく
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	logger, _ := test.NewNullLogger()
	srv, err := New(cfg, logger)
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr), "BindError が返されていません: %v", err)
	assert.Equal(t, cfg.ServerAddress(), bindErr.Addr)
	assert.Nil(t, srv.Addr())
}

func TestListenTwice(t *testing.T) {
	srv, _, _ := startServer(t, testConfig(t))
	assert.Error(t, srv.Listen())
}

func TestServeWithoutListen(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv, err := New(testConfig(t), logger)
	require.NoError(t, err)

	assert.Error(t, srv.Serve(context.Background()))
}

func TestNewInvalidConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()

	cfg := testConfig(t)
	cfg.Files.Root = filepath.Join(cfg.Files.Root, "missing")
	_, err := New(cfg, logger)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Server.Port = 70000
	_, err = New(cfg, logger)
	assert.Error(t, err)
}

// TestServerEndpoints はファイル配信をテストする
func TestServerEndpoints(t *testing.T) {
	_, _, baseURL := startServer(t, testConfig(t))

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		expectedType   string
	}{
		{"ルートのインデックス", "/", http.StatusOK, "text/html; charset=utf-8"},
		{"テキストファイル", "/hello.txt", http.StatusOK, "text/plain; charset=utf-8"},
		{"モジュールスクリプト", "/app/main.mjs", http.StatusOK, "application/javascript"},
		{"存在しないファイル", "/missing.js", http.StatusNotFound, "text/plain; charset=utf-8"},
		{"ルート外へのパス", "/../../etc/passwd", http.StatusForbidden, "text/plain; charset=utf-8"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := fetch(t, baseURL+tc.endpoint)
			assert.Equal(t, tc.expectedStatus, resp.StatusCode)
			assert.Equal(t, tc.expectedType, resp.Header.Get("Content-Type"))
			assert.Equal(t, int64(len(body)), resp.ContentLength)

			_, err := uuid.Parse(resp.Header.Get(requestIDHeader))
			assert.NoError(t, err, "リクエストIDが付与されていません")
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	_, _, baseURL := startServer(t, testConfig(t))
	id := uuid.NewString()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/hello.txt", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get(requestIDHeader))

	// UUID でない値は置き換える
	req.Header.Set(requestIDHeader, "not-a-uuid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	got := resp.Header.Get(requestIDHeader)
	assert.NotEqual(t, "not-a-uuid", got)
	_, err = uuid.Parse(got)
	assert.NoError(t, err)
}

func TestAccessLog(t *testing.T) {
	_, hook, baseURL := startServer(t, testConfig(t))

	resp, _ := fetch(t, baseURL+"/hello.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Data["path"] == "/hello.txt" && e.Data["status"] == http.StatusOK {
				return e.Data["bytes"] == 12 && e.Data["method"] == http.MethodGet
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// rawRequest は生のリクエストを送り、ステータス行を返す
func rawRequest(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestMalformedRequest(t *testing.T) {
	srv, _, _ := startServer(t, testConfig(t))
	addr := srv.Addr().String()

	assert.True(t, strings.HasPrefix(rawRequest(t, addr, "GARBAGE\r\n\r\n"), "HTTP/1.1 400"))
	assert.True(t, strings.HasPrefix(rawRequest(t, addr, "GET /hello.txt HTTP/1.1\r\nHost: x\r\nBad Header\r\n\r\n"), "HTTP/1.1 400"))

	// 不正なリクエストの後も通常のリクエストは処理される
	assert.Equal(t, "HTTP/1.1 200 OK", rawRequest(t, addr, "GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
}

func TestUnsupportedMethod(t *testing.T) {
	srv, _, _ := startServer(t, testConfig(t))

	line := rawRequest(t, srv.Addr().String(), "POST /hello.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 501 Not Implemented", line)
}

// TestClientDisconnectDoesNotCrash は送信中に切断してもサーバーが動き続けることをテストする
func TestClientDisconnectDoesNotCrash(t *testing.T) {
	cfg := testConfig(t)
	big := bytes.Repeat([]byte("0123456789abcdef"), 2<<20) // 32MiB
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Files.Root, "big.bin"), big, 0o644))

	srv, _, baseURL := startServer(t, cfg)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)

		_, err = io.WriteString(conn, "GET /big.bin HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)

		// 少しだけ読んでから RST で切断する
		buf := make([]byte, 4096)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool {
		return srv.Metrics().Disconnects() >= 3
	}, 5*time.Second, 20*time.Millisecond, "切断が記録されていません")

	// 新しい接続のリクエストは成功する
	resp, body := fetch(t, baseURL+"/hello.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world\n", string(body))
}

func TestConcurrentRequests(t *testing.T) {
	_, _, baseURL := startServer(t, testConfig(t))

	want := map[string]string{
		"/app/main.mjs":  "import './board.mjs';\n",
		"/app/board.mjs": "export const size = 8;\n",
	}

	var wg sync.WaitGroup
	for p, content := range want {
		wg.Add(1)
		go func(p, content string) {
			defer wg.Done()
			resp, err := http.Get(baseURL + p)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
			assert.Equal(t, content, string(body))
		}(p, content)
	}
	wg.Wait()
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxConnections = 1
	_, _, baseURL := startServer(t, cfg)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(baseURL + "/hello.txt")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:0"
	srv, _, baseURL := startServer(t, cfg)
	require.NotNil(t, srv.MetricsAddr())

	resp, _ := fetch(t, baseURL+"/hello.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = fetch(t, baseURL+"/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	metricsURL := "http://" + srv.MetricsAddr().String()
	resp, body := fetch(t, metricsURL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `staticserve_requests_total{method="GET",code="200"} 1`)
	assert.Contains(t, string(body), `staticserve_requests_total{method="GET",code="404"} 1`)
	assert.Contains(t, string(body), "staticserve_response_bytes_total")

	resp, body = fetch(t, metricsURL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
}

func TestMetricsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Metrics.Addr = ln.Addr().String()

	logger, _ := test.NewNullLogger()
	srv, err := New(cfg, logger)
	require.NoError(t, err)

	var bindErr *BindError
	require.ErrorAs(t, srv.Listen(), &bindErr)
	assert.Equal(t, cfg.Metrics.Addr, bindErr.Addr)
}
