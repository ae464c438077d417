package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"staticserve/internal/config"
	"staticserve/internal/logging"
	"staticserve/internal/server"
)

func main() {
	// 設定を読み込む (デフォルト値と環境変数のみ)
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)

	// サーバーを作成
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
