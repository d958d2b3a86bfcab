package deliberation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPhaseForRound(t *testing.T) {
	tests := []struct {
		name  string
		round int
		want  Phase
	}{
		{"round 1 is diverge", 1, PhaseDiverge},
		{"round 2 is diverge", 2, PhaseDiverge},
		{"round 3 is challenge", 3, PhaseChallenge},
		{"round 4 is challenge", 4, PhaseChallenge},
		{"round 5 is synthesize", 5, PhaseSynthesize},
		{"round 100 is synthesize", 100, PhaseSynthesize},
		{"round 0 treated as diverge", 0, PhaseDiverge},
		{"negative round treated as diverge", -3, PhaseDiverge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseForRound(tt.round))
		})
	}
}

// 阶段函数是全函数：任意整数都映射到一个合法阶段，
// 且边界与规则一致（n≤2 发散，3≤n≤4 质询，n≥5 综合）。
func TestPhaseForRound_Total(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int().Draw(t, "n")
		p := PhaseForRound(n)
		assert.True(t, p.Valid())

		switch {
		case n <= 2:
			assert.Equal(t, PhaseDiverge, p)
		case n <= 4:
			assert.Equal(t, PhaseChallenge, p)
		default:
			assert.Equal(t, PhaseSynthesize, p)
		}
	})
}

func TestPhase_Valid(t *testing.T) {
	assert.True(t, PhaseDiverge.Valid())
	assert.True(t, PhaseChallenge.Valid())
	assert.True(t, PhaseSynthesize.Valid())
	assert.False(t, Phase("brainstorm").Valid())
	assert.False(t, Phase("").Valid())
}
