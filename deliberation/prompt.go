package deliberation

import (
	"fmt"
	"strings"
)

// 阶段指令。发散阶段明确禁止总结，避免提前收敛。
var phaseInstructions = map[Phase]string{
	PhaseDiverge: "This is the DIVERGE phase. Contribute a perspective that has not " +
		"been covered yet. Do NOT summarize or restate what others have said.",
	PhaseChallenge: "This is the CHALLENGE phase. Raise concrete counterpoints to the " +
		"strongest claims made so far. Name the claim you are attacking and explain " +
		"why it fails.",
	PhaseSynthesize: "This is the SYNTHESIZE phase. Converge on a decision. State the " +
		"decision explicitly and lay out the trade-offs that were accepted.",
}

// 角色指令。
var roleInstructions = map[Role]string{
	RoleDefault: "Act as an additive contributor: build on the discussion with new " +
		"evidence or angles.",
	RoleContrarian: "Act as the contrarian: take an adversarial stance and stress-test " +
		"the panel's assumptions.",
	RoleSynthesizer: "Act as the synthesizer: integrate the panel's positions and " +
		"produce a structured decision block.",
}

// BuildSystemPrompt 为一个 Agent 的回合组合系统提示词。
// 组成：阶段/轮次头部 → 阶段指令 → 角色指令 → 引用要求
// （去重且保序的引用池，池为空时给出回退 ID）→ 决策板要求
// （按角色/阶段门控）。无错误路径，始终产出字符串。
func BuildSystemPrompt(phase Phase, roundNumber int, agentName string, role Role, citationPool []string, fallbackReferenceID string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a panelist in a multi-model deliberation (round %d, phase %s).\n\n",
		agentName, roundNumber, phase)

	if inst, ok := phaseInstructions[phase]; ok {
		b.WriteString(inst)
		b.WriteString("\n\n")
	}
	if inst, ok := roleInstructions[role]; ok {
		b.WriteString(inst)
		b.WriteString("\n\n")
	}

	refs := dedupePreserveOrder(citationPool)
	if len(refs) == 0 && fallbackReferenceID != "" {
		refs = []string{fallbackReferenceID}
	}
	if len(refs) > 0 {
		fmt.Fprintf(&b, "You MUST cite at least one of these message ids in a "+
			"\"References:\" line: %s.\n", strings.Join(refs, ", "))
	}

	if RequiresDecisionBoard(phase, role) {
		b.WriteString("\nEnd your response with a \"Decision Board:\" block containing " +
			"these fields, one per line: Claim, For, Against, Confidence, Next Action.\n")
	}

	return b.String()
}

// dedupePreserveOrder 去重并保持首次出现顺序。
func dedupePreserveOrder(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
