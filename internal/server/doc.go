// Package server は、静的ファイルサーバーの起動と停止を管理します。
//
// このパッケージは、リスナーの確保、Ginエンジンの構築、
// ミドルウェアの適用、グレースフルシャットダウンを担当します。
//
// 責務:
//   - 設定されたポートへのバインド (失敗時は BindError)
//   - 起動確認メッセージの出力
//   - リクエストID、アクセスログ、パニック復帰のミドルウェア
//   - メトリクス用サーバーの起動 (アドレスが設定された場合のみ)
//   - シグナルまたはコンテキストによる停止
//
// 仕様:
//   - HTTPエンジンは gin-gonic/gin を使用
//   - 接続ごとに独立したゴルーチンで処理し、共有状態は読み取り専用
//   - 同時接続数は golang.org/x/net/netutil で制限できる
//   - プロセスを止めるのはバインドの失敗のみ
package server
