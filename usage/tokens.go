package usage

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator 估算文本的 Token 数。上游未返回用量时的兜底。
type Estimator interface {
	EstimateTokens(text string) int
}

// 模型名到 tiktoken 编码的映射，未命中的模型用 cl100k_base。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenEstimator 基于 tiktoken 的精确计数。编码数据在首次
// 使用时延迟加载，失败时回退到启发式估算。
type TiktokenEstimator struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	fallback heuristicEstimator
}

// NewTiktokenEstimator 为指定模型创建估算器。
func NewTiktokenEstimator(modelID string) *TiktokenEstimator {
	encoding, ok := modelEncodings[modelID]
	if !ok {
		// 取最长的前缀命中，保证 gpt-4o 系优先于 gpt-4
		best := ""
		for prefix, e := range modelEncodings {
			if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
				best = prefix
				encoding = e
				ok = true
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenEstimator{encoding: encoding}
}

func (e *TiktokenEstimator) EstimateTokens(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return e.fallback.EstimateTokens(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// heuristicEstimator CJK 感知的字符估算：CJK 字符约 1 字 1 Token，
// 其余按 4 字符 1 Token。
type heuristicEstimator struct{}

// NewHeuristicEstimator 创建启发式估算器。
func NewHeuristicEstimator() Estimator {
	return heuristicEstimator{}
}

func (heuristicEstimator) EstimateTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := cjk + (other+3)/4
	if tokens == 0 && text != "" {
		tokens = 1
	}
	return tokens
}
