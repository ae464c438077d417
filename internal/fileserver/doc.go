// Package fileserver は、ルートディレクトリ配下のファイルをHTTPで配信します。
//
// このパッケージは、リクエストパスの解決、ファイルとディレクトリの応答、
// エラーからステータスコードへの変換を担当します。
//
// 責務:
//   - リクエストパスをルートディレクトリ配下に解決する
//   - ルートの外を指すパス (.. やシンボリックリンク) を拒否する
//   - 拡張子から Content-Type を決めてファイルを送信する
//   - インデックスファイルまたはディレクトリ一覧を返す
//   - 送信中のクライアント切断を接続単位で吸収する
//
// 仕様:
//   - GET と HEAD のみ対応し、それ以外は 501 を返す
//   - 不正なパスは 400、存在しないパスは 404、権限エラーは 403
//   - ファイル本体は http.ServeContent で送信する (Range や条件付きGETに対応)
//   - 切断による書き込みエラーはデバッグログとメトリクスにのみ残す
package fileserver
