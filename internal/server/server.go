package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"staticserve/internal/config"
	"staticserve/internal/fileserver"
	"staticserve/internal/metrics"
	"staticserve/internal/mimetable"
)

const defaultShutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config  *config.Config
	log     logrus.FieldLogger
	files   *fileserver.Handler
	metrics *metrics.Metrics

	httpServer    *http.Server
	metricsServer *http.Server // メトリクスが無効なら nil

	listener        net.Listener
	metricsListener net.Listener
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, log logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	m := metrics.New()
	files, err := fileserver.New(fileserver.Options{
		Root:         cfg.Files.Root,
		IndexFiles:   cfg.Files.IndexFiles,
		Listing:      cfg.Files.Listing,
		SniffUnknown: cfg.Files.SniffUnknown,
		Types:        mimetable.New(cfg.Files.MIMETypes),
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		log:     log,
		files:   files,
		metrics: m,
	}

	s.httpServer = &http.Server{
		Handler:           s.setupRoutes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ConnState:         m.ConnState,
	}

	if cfg.Metrics.Addr != "" {
		s.metricsServer = &http.Server{
			Handler:           s.setupMetricsRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// setupRoutes はファイル配信用のエンジンを構築する
func (s *Server) setupRoutes() *gin.Engine {
	engine := gin.New()
	engine.Use(requestID(), accessLog(s.log, s.metrics, s.config.Log.AccessLog), recovery(s.log))

	// どのパスもファイルとして解決する。未登録メソッドも Serve で 501 にする
	s.files.Register(engine)
	engine.NoRoute(s.files.Serve)

	return engine
}

// setupMetricsRoutes はメトリクス用のエンジンを構築する
func (s *Server) setupMetricsRoutes() *gin.Engine {
	engine := gin.New()
	engine.Use(recovery(s.log))

	engine.GET("/metrics", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Status(http.StatusOK)
		s.metrics.WritePrometheus(c.Writer)
	})
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	return engine
}

// Metrics はサーバーのメトリクスを返す
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Listen は設定されたアドレスにバインドする
func (s *Server) Listen() error {
	if s.listener != nil {
		return errors.New("サーバーはすでにリッスンしています")
	}

	addr := s.config.ServerAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	if s.metricsServer != nil {
		mln, err := net.Listen("tcp", s.config.Metrics.Addr)
		if err != nil {
			_ = ln.Close()
			return &BindError{Addr: s.config.Metrics.Addr, Err: err}
		}
		s.metricsListener = mln
		s.log.WithField("addr", mln.Addr().String()).Info("メトリクスを公開しています")
	}

	s.listener = ln
	s.log.WithFields(logrus.Fields{
		"addr":       ln.Addr().String(),
		"root":       s.files.Root(),
		"mime_types": s.files.TypeCount(),
	}).Infof("ポート %d で配信しています", s.Port())

	return nil
}

// Addr はバインドしたアドレスを返す。Listen 前は nil
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port はバインドしたポート番号を返す。Listen 前は 0
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// MetricsAddr はメトリクス用にバインドしたアドレスを返す
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Start はバインドしてからリクエストの受付を始める
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve はコンテキストのキャンセルかシグナルを受けるまでリクエストを処理する
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("Listen が呼ばれていません")
	}

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(s.httpServer, s.listener)
	})
	if s.metricsServer != nil {
		g.Go(func() error {
			return serveHTTP(s.metricsServer, s.metricsListener)
		})
	}

	// コンテキストかシグナルを待ってグレースフルシャットダウン
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.log.Info("コンテキストがキャンセルされました")
		case sig := <-sigCh:
			s.log.Infof("シグナルを受信しました: %v", sig)
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// serveHTTP は正常な停止による ErrServerClosed を nil として扱う
func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("サーバーの実行に失敗: %w", err)
	}
	return nil
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("メトリクスサーバーのシャットダウンに失敗: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}
