package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定。
type Config struct {
	// Level は出力する最低レベル（trace, debug, info, warn, error）。
	Level string `yaml:"level" json:"level"`
	// Format は標準エラー出力の形式。"console" または "json"。
	Format string `yaml:"format" json:"format"`
	// File は追記するログファイルのパス。空の場合はファイルに出力しない。
	// ファイルには常にJSON形式で書き込む。
	File string `yaml:"file" json:"file"`
}

// nopCloser は閉じる対象が無い場合の io.Closer。
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New は設定に従ってロガーを生成する。
// 返される io.Closer はログファイルを閉じるために終了時に呼び出すこと。
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
		level = parsed
	}

	var console io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	case "json":
		console = stderr
	default:
		return zerolog.Nop(), nil, fmt.Errorf("未知のログ形式: %s", cfg.Format)
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("ログファイルのオープンに失敗: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("service", "gateway").
		Logger()
	return logger, closer, nil
}
