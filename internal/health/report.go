package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status は依存先または全体の稼働状態。
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

// Record は1つの依存先に対する直近の確認結果。
type Record struct {
	Name        string
	Kind        string
	Status      Status
	LastChecked time.Time
	Duration    time.Duration
	// Detail は異常時の原因や低速時の説明。
	Detail string
}

// Report は全依存先の確認結果と集約した状態。
type Report struct {
	Status        Status
	TotalDuration time.Duration
	CheckedAt     time.Time
	// Records は依存先の登録順に並ぶ。
	Records []Record
}

// HTTPStatus はレポートを返す際のHTTPステータスコードを返す。
// Unhealthy の場合のみ 503 とする。
func (r *Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// entryJSON はレスポンスの依存先ごとの要素。
type entryJSON struct {
	Status      Status    `json:"status"`
	Duration    string    `json:"duration"`
	Description string    `json:"description,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
	Kind        string    `json:"kind"`
}

// reportJSON はレスポンス全体。
type reportJSON struct {
	Status        Status               `json:"status"`
	TotalDuration string               `json:"totalDuration"`
	CheckedAt     time.Time            `json:"checkedAt"`
	Entries       map[string]entryJSON `json:"entries"`
}

// MarshalJSON はレポートを依存先名をキーとするJSONに変換する。
func (r *Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		Status:        r.Status,
		TotalDuration: r.TotalDuration.String(),
		CheckedAt:     r.CheckedAt,
		Entries:       make(map[string]entryJSON, len(r.Records)),
	}
	for _, rec := range r.Records {
		out.Entries[rec.Name] = entryJSON{
			Status:      rec.Status,
			Duration:    rec.Duration.String(),
			Description: rec.Detail,
			LastChecked: rec.LastChecked,
			Kind:        rec.Kind,
		}
	}
	return json.Marshal(out)
}

// Composite は依存先の状態から全体の状態を求める。
// 全て Healthy なら Healthy。Unhealthy が無ければ（低速な依存先があるだけなら）Degraded。
// Unhealthy がある場合は Healthy な依存先が minHealthy 以上残っていれば Degraded、
// それ以外は Unhealthy とする。依存先が無い場合は Healthy。
func Composite(records []Record, minHealthy int) Status {
	healthy, unhealthy := 0, 0
	for _, rec := range records {
		switch rec.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		}
	}

	switch {
	case healthy == len(records):
		return StatusHealthy
	case unhealthy == 0:
		return StatusDegraded
	case healthy >= minHealthy && healthy > 0:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
