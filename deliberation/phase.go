package deliberation

// Phase 表示讨论阶段。
type Phase string

const (
	// PhaseDiverge 发散阶段：补充未被覆盖的视角
	PhaseDiverge Phase = "diverge"
	// PhaseChallenge 质询阶段：提出具体反驳
	PhaseChallenge Phase = "challenge"
	// PhaseSynthesize 综合阶段：给出决策与权衡
	PhaseSynthesize Phase = "synthesize"
)

// PhaseForRound 由轮次编号推导讨论阶段。
// 纯函数、全函数：1-2 轮发散，3-4 轮质询，5 轮及以上综合。
// 非法输入（n < 1）按第 1 轮处理。
func PhaseForRound(n int) Phase {
	switch {
	case n <= 2:
		return PhaseDiverge
	case n <= 4:
		return PhaseChallenge
	default:
		return PhaseSynthesize
	}
}

// Valid 判断阶段值是否为已知枚举。
func (p Phase) Valid() bool {
	switch p {
	case PhaseDiverge, PhaseChallenge, PhaseSynthesize:
		return true
	default:
		return false
	}
}
