package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew はロガーの生成を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("JSON形式でレベル以上のログのみ出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, closer, err := newLogger(Config{Level: "warn", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Info().Msg("skipped")
		logger.Warn().Str("route", "orders").Msg("written")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
		assert.Equal(t, "warn", got["level"])
		assert.Equal(t, "written", got["message"])
		assert.Equal(t, "orders", got["route"])
		assert.Equal(t, "gateway", got["service"])
	})

	t.Run("ファイルにも追記され、閉じた後に内容が残ること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "logs", "gateway.log")
		var buf bytes.Buffer
		logger, closer, err := newLogger(Config{File: path}, &buf)
		require.NoError(t, err)

		logger.Info().Msg("hello")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("不正な設定はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, _, err := newLogger(Config{Level: "loud"}, &bytes.Buffer{})
		assert.Error(t, err)

		_, _, err = newLogger(Config{Format: "xml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
