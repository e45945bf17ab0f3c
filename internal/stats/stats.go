// Package stats は公開統計ページの表示内容を組み立てる。
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/model"
)

// minBarPercent は件数が少なくてもバーが見えるようにするための最小幅（%）。
var minBarPercent = decimal.NewFromInt(2)

// platformNames はプラットフォームの表示名。
var platformNames = map[string]string{
	"telegram": "Telegram",
	"discord":  "Discord",
	"signal":   "Signal",
	"matrix":   "Matrix",
}

// Row は内訳1行分の表示内容。
type Row struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Color   string `json:"color,omitempty"`
	Count   int64  `json:"count"`
	Percent string `json:"percent,omitempty"` // 小数1桁
	Width   string `json:"width,omitempty"`   // バー幅（%）
}

// Summary は統計ページ全体の表示内容。
type Summary struct {
	TotalUsers    int64 `json:"total_users"`
	TotalTipsSent int64 `json:"total_tips_sent"`
	Assets        []Row `json:"assets"`
	Platforms     []Row `json:"platforms"`
}

// Build は公開統計から表示内容を組み立てる。
// 資産別は合計に対する割合を付け、どちらの内訳も件数の多い順に並べる。
func Build(s model.PublicStats) Summary {
	var total int64
	for _, n := range s.UsersByPreferredAsset {
		total += n
	}

	assets := make([]Row, 0, len(s.UsersByPreferredAsset))
	for code, n := range s.UsersByPreferredAsset {
		row := Row{
			Key:   code,
			Label: assetLabel(code),
			Color: asset.Color(code),
			Count: n,
		}
		pct := decimal.Zero
		if total > 0 {
			pct = decimal.NewFromInt(n).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(total))
		}
		row.Percent = pct.StringFixed(1)
		row.Width = decimal.Max(pct, minBarPercent).StringFixed(1)
		assets = append(assets, row)
	}
	sortRows(assets)

	platforms := make([]Row, 0, len(s.LinkedAccountsByPlatform))
	for p, n := range s.LinkedAccountsByPlatform {
		label, ok := platformNames[p]
		if !ok {
			label = p
		}
		platforms = append(platforms, Row{Key: p, Label: label, Count: n})
	}
	sortRows(platforms)

	return Summary{
		TotalUsers:    s.TotalUsers,
		TotalTipsSent: s.TotalTipsSent,
		Assets:        assets,
		Platforms:     platforms,
	}
}

func assetLabel(code string) string {
	if code == "unknown" {
		return "Unknown"
	}
	return asset.Name(code)
}

// sortRows は件数の多い順、同数ならキーの昇順に並べる。
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Key < rows[j].Key
	})
}

// Backend は統計の取得に使うバックエンドAPI。
type Backend interface {
	PublicStats(ctx context.Context) (*model.PublicStats, error)
}

// Service は統計ページのサービス層。
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(backend Backend, logger *slog.Logger) *Service {
	return &Service{backend: backend, logger: logger}
}

// Load は公開統計を取得して表示内容を返す。
func (s *Service) Load(ctx context.Context) (*Summary, error) {
	raw, err := s.backend.PublicStats(ctx)
	if err != nil {
		s.logger.Warn("failed to load public stats",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to load public stats: %w", err)
	}
	summary := Build(*raw)
	return &summary, nil
}
