package quality

import (
	"strings"

	"go.uber.org/zap"
)

// metadataPrefixes 规范化注入或模板产生的行前缀。
// 重复比较前剥离这些行，避免注入的头部把不同正文判成相似。
var metadataPrefixes = []string{
	"contribution:",
	"references:",
	"decision board:",
	"claim:",
	"for:",
	"against:",
	"confidence:",
	"next action:",
}

// IsPureRepetition 判定候选内容相对既有回复是否为纯重复。
// 判定规则：剥离元数据行并做大小写/空白规范化后，
//   - 与任一既有回复完全相同；或
//   - 双方长度均不低于 MinCompareLength，且较短一方的前
//     PrefixWindow 个字符逐字出现在较长一方之内。
//
// 命中即返回 true。空候选（剥离后）不算重复。
func (n *Normalizer) IsPureRepetition(candidate string, priorContents []string) bool {
	cand := normalizeForComparison(candidate)
	if cand == "" {
		return false
	}

	for _, prior := range priorContents {
		p := normalizeForComparison(prior)
		if p == "" {
			continue
		}
		if cand == p {
			n.logger.Debug("repetition detected: exact match after normalization",
				zap.Int("length", len(cand)))
			return true
		}
		if len(cand) < n.config.MinCompareLength || len(p) < n.config.MinCompareLength {
			continue
		}
		shorter, longer := cand, p
		if len(p) < len(cand) {
			shorter, longer = p, cand
		}
		window := shorter
		if len(window) > n.config.PrefixWindow {
			window = window[:n.config.PrefixWindow]
		}
		if strings.Contains(longer, window) {
			n.logger.Debug("repetition detected: prefix containment",
				zap.Int("window", len(window)),
				zap.Int("candidate_length", len(cand)))
			return true
		}
	}
	return false
}

// normalizeForComparison 剥离元数据行后，小写化并将连续空白
// 压缩为单个空格。
func normalizeForComparison(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		l := strings.ToLower(strings.TrimSpace(line))
		if isMetadataLine(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
}

func isMetadataLine(lowerTrimmed string) bool {
	for _, p := range metadataPrefixes {
		if strings.HasPrefix(lowerTrimmed, p) {
			return true
		}
	}
	return false
}
