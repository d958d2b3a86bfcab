package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/councilflow/deliberation"
)

func TestIsPureRepetition_ExactMatchAfterNormalization(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), nil)

	prior := "Option A scales better under load."
	candidate := "  OPTION a   scales better\nunder load.  "
	assert.True(t, n.IsPureRepetition(candidate, []string{prior}))
}

func TestIsPureRepetition_IgnoresInjectedMetadata(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), nil)

	prior := "Option A scales better under load."
	candidate := "Contribution: add_evidence\n" +
		"References: " + refA + "\n" +
		"Option A scales better under load.\n\n" +
		"Decision Board:\nClaim: A\nFor: x\nAgainst: y\nConfidence: high\nNext Action: ship"
	assert.True(t, n.IsPureRepetition(candidate, []string{prior}))
}

func TestIsPureRepetition_PrefixContainment(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), nil)

	base := strings.Repeat("the panel should favor option a for throughput reasons ", 5)
	longer := base + "and additionally we must consider the migration cost before committing"
	assert.True(t, n.IsPureRepetition(base, []string{longer}))
	assert.True(t, n.IsPureRepetition(longer, []string{base}))
}

func TestIsPureRepetition_ShortContentNeverPrefixMatches(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNormalizer(cfg, nil)

	// 双方都短于 MinCompareLength，仅完全相同才算重复
	assert.False(t, n.IsPureRepetition("option a", []string{"option a is the best choice here"}))
	assert.True(t, n.IsPureRepetition("option a", []string{"option a"}))
}

func TestIsPureRepetition_DistinctLongContent(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), nil)

	a := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta ", 5)
	b := strings.Repeat("one two three four five six seven eight nine ten ", 5)
	assert.False(t, n.IsPureRepetition(a, []string{b}))
}

func TestIsPureRepetition_EmptyAfterStripping(t *testing.T) {
	n := NewNormalizer(DefaultConfig(), nil)

	candidate := "Contribution: add_evidence\nReferences: " + refA
	assert.False(t, n.IsPureRepetition(candidate, []string{"anything at all"}))
}

func TestIsPureRepetition_ConfigurableThresholds(t *testing.T) {
	n := NewNormalizer(Config{MinCompareLength: 10, PrefixWindow: 10}, nil)

	prior := "shared prefix words here plus a long unique tail segment"
	candidate := "shared pre" + " entirely different continuation text"
	assert.True(t, n.IsPureRepetition(candidate, []string{prior}))
}

func TestNormalizeThenRepetitionPipeline(t *testing.T) {
	// round 包的使用方式：先规范化，再与既有规范化结果比较
	n := NewNormalizer(DefaultConfig(), nil)

	raw := strings.Repeat("the strongest argument for option b is operational simplicity ", 3)
	first := n.Normalize(raw, deliberation.PhaseDiverge, deliberation.RoleDefault, []string{refA}, "fb")
	second := n.Normalize(raw+" indeed", deliberation.PhaseDiverge, deliberation.RoleDefault, []string{refA}, "fb")

	assert.True(t, n.IsPureRepetition(second.Content, []string{first.Content}))
}
