package quality

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/deliberation"
)

// ContributionType 表示一条回复对讨论的贡献类型。
type ContributionType string

const (
	ContributionAddEvidence         ContributionType = "add_evidence"
	ContributionChallengeAssumption ContributionType = "challenge_assumption"
	ContributionRefineDecision      ContributionType = "refine_decision"
)

// Config 规范化配置。重复检测阈值是启发式的，可调，
// 但语义保持"未新增价值"判定不变。
type Config struct {
	// MinCompareLength 前缀包含判定要求双方规范化后的最小长度
	MinCompareLength int `yaml:"min_compare_length" json:"min_compare_length"`
	// PrefixWindow 参与包含判定的前缀窗口长度
	PrefixWindow int `yaml:"prefix_window" json:"prefix_window"`
}

// DefaultConfig 返回默认规范化配置。
func DefaultConfig() Config {
	return Config{
		MinCompareLength: 90,
		PrefixWindow:     180,
	}
}

// Normalizer 输出质量规范化器。
type Normalizer struct {
	config Config
	logger *zap.Logger
}

// NewNormalizer 创建规范化器。
func NewNormalizer(config Config, logger *zap.Logger) *Normalizer {
	if config.MinCompareLength <= 0 {
		config.MinCompareLength = 90
	}
	if config.PrefixWindow <= 0 {
		config.PrefixWindow = 180
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		config: config,
		logger: logger.With(zap.String("component", "quality")),
	}
}

// Result 规范化结果。
type Result struct {
	Content          string           `json:"content"`
	References       []string         `json:"references"`
	ContributionType ContributionType `json:"contribution_type"`
}

// ResolveContributionType 由角色与阶段确定贡献类型。
// 角色优先：contrarian 恒为质疑，synthesizer 恒为决策修正；
// 其余按阶段推导。确定、全函数。
func ResolveContributionType(phase deliberation.Phase, role deliberation.Role) ContributionType {
	switch role {
	case deliberation.RoleContrarian:
		return ContributionChallengeAssumption
	case deliberation.RoleSynthesizer:
		return ContributionRefineDecision
	}
	switch phase {
	case deliberation.PhaseChallenge:
		return ContributionChallengeAssumption
	case deliberation.PhaseSynthesize:
		return ContributionRefineDecision
	default:
		return ContributionAddEvidence
	}
}

// uuidPattern 匹配规范 8-4-4-4-12 形态的 UUID，
// 版本与变体半字节受约束。
var uuidPattern = regexp.MustCompile(
	`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-8][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`,
)

// ExtractReferences 扫描内容中 UUID 形态的引用，去重并保持
// 首次出现顺序。无命中时回退到允许池首个 ID；池为空时使用
// 回退 ID。
func ExtractReferences(content string, allowedReferenceIDs []string, fallbackReferenceID string) []string {
	matches := uuidPattern.FindAllString(content, -1)
	seen := make(map[string]struct{}, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		refs = append(refs, m)
	}
	if len(refs) > 0 {
		return refs
	}
	if len(allowedReferenceIDs) > 0 {
		return []string{allowedReferenceIDs[0]}
	}
	if fallbackReferenceID != "" {
		return []string{fallbackReferenceID}
	}
	return nil
}

// 决策板占位字段。模型未给出决策板时按固定字段补全。
var decisionBoardFields = []string{
	"Claim: (not stated)",
	"For: (not stated)",
	"Against: (not stated)",
	"Confidence: (not stated)",
	"Next Action: (not stated)",
}

// Normalize 对原始模型输出强制执行结构契约。
// 注入在重复应用下幂等：已存在对应行时为无操作，
// Normalize(Normalize(x)) 的内容与 Normalize(x) 相同。
func (n *Normalizer) Normalize(content string, phase deliberation.Phase, role deliberation.Role, allowedReferenceIDs []string, fallbackReferenceID string) Result {
	content = strings.TrimSpace(content)

	ctype := ResolveContributionType(phase, role)
	refs := ExtractReferences(content, allowedReferenceIDs, fallbackReferenceID)

	if !hasLeadingMetadataLine(content, "references:") {
		content = fmt.Sprintf("References: %s\n%s", strings.Join(refs, ", "), content)
	}
	if !hasLeadingMetadataLine(content, "contribution:") {
		content = fmt.Sprintf("Contribution: %s\n%s", ctype, content)
	}

	if deliberation.RequiresDecisionBoard(phase, role) && !containsDecisionBoard(content) {
		content = content + "\n\nDecision Board:\n" + strings.Join(decisionBoardFields, "\n")
	}

	return Result{
		Content:          content,
		References:       refs,
		ContributionType: ctype,
	}
}

// hasLeadingMetadataLine 检查内容顶部的元数据块是否包含指定前缀行。
// 元数据块指从首行起连续的 Contribution:/References: 行，
// 大小写不敏感；遇到其他内容即终止。
func hasLeadingMetadataLine(content, prefix string) bool {
	for _, line := range strings.Split(content, "\n") {
		l := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(l, "contribution:") || strings.HasPrefix(l, "references:") {
			if strings.HasPrefix(l, prefix) {
				return true
			}
			continue
		}
		return false
	}
	return false
}

// containsDecisionBoard 检查内容是否已包含决策板块。
func containsDecisionBoard(content string) bool {
	return strings.Contains(strings.ToLower(content), "decision board:")
}
