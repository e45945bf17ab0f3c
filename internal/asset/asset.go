// Package asset は対応暗号資産のテーブルと金額表示を提供する。
package asset

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// displayDigits は金額表示の最大小数桁数。
const displayDigits = 8

// defaultDecimals は未知の資産に使う小数桁数。
const defaultDecimals = 8

//go:embed assets.yaml
var assetsYAML []byte

// Asset は1つの対応資産を表す。
type Asset struct {
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	Symbol        string `yaml:"symbol"`
	Icon          string `yaml:"icon"`
	Color         string `yaml:"color"`
	Decimals      int32  `yaml:"decimals"`
	Confirmations int    `yaml:"confirmations"`
}

type assetsFile struct {
	Assets []Asset `yaml:"assets"`
}

var (
	table []Asset
	index map[string]Asset
)

func init() {
	assets, err := parse(assetsYAML)
	if err != nil {
		panic(err)
	}
	table = assets
	index = make(map[string]Asset, len(assets))
	for _, a := range assets {
		index[a.Code] = a
	}
}

// parse は資産テーブルのYAMLを読み込み、必須項目を検証する。
func parse(data []byte) ([]Asset, error) {
	var f assetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unable to parse asset table: %w", err)
	}
	for i, a := range f.Assets {
		if a.Code == "" {
			return nil, fmt.Errorf("asset at index %d missing code", i)
		}
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset %s missing symbol", a.Code)
		}
		if a.Decimals <= 0 {
			return nil, fmt.Errorf("asset %s has invalid decimals %d", a.Code, a.Decimals)
		}
	}
	return f.Assets, nil
}

// All は表示順の資産一覧を返す。戻り値は呼び出し側で変更してよい。
func All() []Asset {
	out := make([]Asset, len(table))
	copy(out, table)
	return out
}

// Codes は資産コードの一覧を返す。
func Codes() []string {
	codes := make([]string, len(table))
	for i, a := range table {
		codes[i] = a.Code
	}
	return codes
}

// Lookup は資産コードから資産を引く。
func Lookup(code string) (Asset, bool) {
	a, ok := index[code]
	return a, ok
}

// Known は資産コードが対応資産かを返す。
func Known(code string) bool {
	_, ok := index[code]
	return ok
}

// describe は未知の資産でも表示できるよう既定値を補った資産を返す。
func describe(code string) Asset {
	if a, ok := index[code]; ok {
		return a
	}
	return Asset{
		Code:     code,
		Name:     strings.ToUpper(code),
		Symbol:   strings.ToUpper(code),
		Decimals: defaultDecimals,
	}
}

// Name は表示名を返す。未知の資産は大文字のコードになる。
func Name(code string) string {
	return describe(code).Name
}

// Icon はアイコンのパスを返す。未知の資産は空文字列。
func Icon(code string) string {
	return describe(code).Icon
}

// Color は統計表示用の色を返す。
func Color(code string) string {
	if c := describe(code).Color; c != "" {
		return c
	}
	return "#374151"
}

// ExpectedConfirmations は資産テーブル上の想定承認数を返す。
// 判定にはバックエンドのconfirmations_requiredを使い、この値は照合用に限る。
func ExpectedConfirmations(code string) (int, bool) {
	a, ok := index[code]
	if !ok {
		return 0, false
	}
	return a.Confirmations, true
}

// Value は最小単位の整数金額を資産単位の10進数に変換する。
func Value(amount int64, code string) decimal.Decimal {
	return decimal.New(amount, -describe(code).Decimals)
}

// FormatAmount は最小単位の金額を「0.15 XMR」の形式に整形する。
// 小数は最大8桁で、末尾のゼロは取り除く。
func FormatAmount(amount int64, code string) string {
	a := describe(code)
	s := Value(amount, code).StringFixed(displayDigits)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s + " " + a.Symbol
}

// FormatAmountFixed は小数桁をそろえた金額を返す。公開チップ画面で使う。
func FormatAmountFixed(amount int64, code string) string {
	a := describe(code)
	digits := a.Decimals
	if digits > displayDigits {
		digits = displayDigits
	}
	return Value(amount, code).StringFixed(digits) + " " + a.Symbol
}
