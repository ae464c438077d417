// Package metrics はリクエストと接続の統計を Prometheus 形式で集計する
package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics はサーバー1つ分のメトリクスを保持する
type Metrics struct {
	set         *metrics.Set
	duration    *metrics.Histogram
	bytesSent   *metrics.Counter
	disconnects *metrics.Counter
	openConns   atomic.Int64
}

// New は独立した metrics.Set を持つ Metrics を作成する
func New() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:         set,
		duration:    set.NewHistogram("staticserve_request_duration_seconds"),
		bytesSent:   set.NewCounter("staticserve_response_bytes_total"),
		disconnects: set.NewCounter("staticserve_client_disconnects_total"),
	}
	set.NewGauge("staticserve_open_connections", func() float64 {
		return float64(m.openConns.Load())
	})
	return m
}

// ObserveRequest は完了したリクエストを記録する
func (m *Metrics) ObserveRequest(method string, status int, start time.Time) {
	name := fmt.Sprintf(`staticserve_requests_total{method=%q,code="%d"}`, methodLabel(method), status)
	m.set.GetOrCreateCounter(name).Inc()
	m.duration.UpdateDuration(start)
}

// AddBytes は送信したボディのバイト数を加算する
func (m *Metrics) AddBytes(n int) {
	if n > 0 {
		m.bytesSent.Add(n)
	}
}

// ClientDisconnected は送信中の切断を記録する
func (m *Metrics) ClientDisconnected() {
	m.disconnects.Inc()
}

// Disconnects は記録された切断の回数を返す
func (m *Metrics) Disconnects() uint64 {
	return m.disconnects.Get()
}

// OpenConnections は現在開いている接続数を返す
func (m *Metrics) OpenConnections() int64 {
	return m.openConns.Load()
}

// ConnState は http.Server.ConnState に渡すフック
func (m *Metrics) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		m.openConns.Add(1)
	case http.StateClosed, http.StateHijacked:
		m.openConns.Add(-1)
	}
}

// WritePrometheus は全メトリクスを Prometheus のテキスト形式で書き出す
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// methodLabel はラベルの種類が増えすぎないようにメソッド名を丸める
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return method
	default:
		return "other"
	}
}
