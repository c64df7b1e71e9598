package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// 直近のアクセスログの取得件数。
const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// handleHealth は依存先の健全性を集約したレポートを返す。
// 定期確認が有効な場合は直近の結果を返し、無効な場合はその場で確認する。
func (s *Server) handleHealth(c *gin.Context) {
	if s.cfg.Health.Interval > 0 {
		if report, ok := s.health.Latest(); ok {
			c.JSON(report.HTTPStatus(), report)
			return
		}
	}
	report := s.health.Check(c.Request.Context())
	c.JSON(report.HTTPStatus(), report)
}

// handleHealthz はプロセスの生存のみを返す。依存先は確認しない。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
}

// handleHome はゲートウェイの稼働状態を返す。
func (s *Server) handleHome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "API Gateway is running."})
}

// handleRecentRequests は直近のアクセスログを新しい順に返す。
func (s *Server) handleRecentRequests(c *gin.Context) {
	limit := defaultRecentLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, CodeBadRequest, "limitは正の整数で指定してください", "")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	entries, err := s.accessStore.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("アクセスログの取得に失敗しました")
		abortWithError(c, http.StatusInternalServerError, CodeInternalError, "アクセスログの取得に失敗しました", "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
