// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
package metrics
