package round

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/deliberation"
	"github.com/BaSui01/councilflow/types"
	"github.com/BaSui01/councilflow/usage"
)

// turnFunc 按 Agent 定制的生成行为。
type turnFunc func(ctx context.Context, req GenerateRequest, onDelta DeltaFunc) (GenerateResult, error)

// scriptedGenerator 测试用生成器：按 AgentID 查找脚本，
// 未脚本化的 Agent 返回可区分的默认内容。
type scriptedGenerator struct {
	mu      sync.Mutex
	scripts map[string]turnFunc
	calls   []GenerateRequest
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{scripts: make(map[string]turnFunc)}
}

func (g *scriptedGenerator) script(agentID string, fn turnFunc) {
	g.scripts[agentID] = fn
}

func (g *scriptedGenerator) StreamGenerate(ctx context.Context, req GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	fn := g.scripts[req.Agent.ID]
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, onDelta)
	}
	content := fmt.Sprintf("Agent %s argues a distinct position about the question in round %d "+
		"with enough substance to pass the repetition check in round replies.",
		req.Agent.Name, req.RoundNumber)
	onDelta(content)
	return GenerateResult{Content: content, PromptTokens: 10, CompletionTokens: 20, StatusCode: 200}, nil
}

// captureRecorder 收集提交的用量记录。
type captureRecorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (c *captureRecorder) Record(_ context.Context, record usage.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *captureRecorder) byStatus(status usage.Status) []usage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []usage.Record
	for _, r := range c.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func testPanel() []Agent {
	return []Agent{
		{ID: "a1", Name: "Atlas", ModelID: "gpt-4o", Provider: "openai"},
		{ID: "a2", Name: "Birch", ModelID: "claude-sonnet-4.5", Provider: "anthropic"},
		{ID: "a3", Name: "Cedar", ModelID: "gemini-3-pro", Provider: "google"},
	}
}

func testParams(agents []Agent) Params {
	opener := types.NewUserMessage("Should we migrate the billing service to event sourcing?").
		WithConversation("conv-1")
	opener.RoundID = opener.ID
	return Params{
		UserID:         "u1",
		ConversationID: "conv-1",
		RoundNumber:    1,
		Opener:         opener,
		Agents:         agents,
	}
}

func newTestRunner(t *testing.T, gen Generator, recorder usage.Recorder) (*Runner, *MemoryReplyStore) {
	t.Helper()
	store := NewMemoryReplyStore()
	runner, err := NewRunner(RunnerOptions{
		Generator: gen,
		Store:     store,
		Recorder:  recorder,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return runner, store
}

func TestRun_PartialFailureDoesNotAbortRound(t *testing.T) {
	gen := newScriptedGenerator()
	gen.script("a2", func(_ context.Context, _ GenerateRequest, _ DeltaFunc) (GenerateResult, error) {
		return GenerateResult{StatusCode: 502}, errors.New("upstream 502")
	})
	recorder := &captureRecorder{}
	runner, store := newTestRunner(t, gen, recorder)

	params := testParams(testPanel())
	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a3"}, result.CompletedAgents)
	assert.Equal(t, []string{"a2"}, result.FailedAgentIDs)
	assert.False(t, result.Cancelled)
	assert.Equal(t, deliberation.PhaseDiverge, result.Phase)

	messages, err := store.ListByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	assert.Len(t, recorder.byStatus(usage.StatusCompleted), 2)
	failed := recorder.byStatus(usage.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 502, failed[0].StatusCode)
	assert.Equal(t, "claude-sonnet-4.5", failed[0].ModelID)
}

func TestRun_MidStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gen := newScriptedGenerator()
	gen.script("a2", func(ctx context.Context, _ GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		onDelta("partial out")
		cancel()
		<-ctx.Done()
		return GenerateResult{}, ctx.Err()
	})
	recorder := &captureRecorder{}
	runner, store := newTestRunner(t, gen, recorder)

	var states []AgentRunState
	params := testParams(testPanel())
	params.OnState = func(s AgentRunState) { states = append(states, s) }

	result, err := runner.Run(ctx, params)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Equal(t, []string{"a1"}, result.CompletedAgents)
	assert.ElementsMatch(t, []string{"a2", "a3"}, result.CancelledAgents)

	// a3 从未开始生成
	for _, s := range states {
		if s.AgentID == "a3" {
			assert.NotEqual(t, StatusGenerating, s.Status)
		}
	}

	messages, _ := store.ListByConversation(context.Background(), "conv-1")
	assert.Len(t, messages, 1)
	assert.Len(t, recorder.byStatus(usage.StatusCancelled), 2)
}

func TestRun_NoModelBound(t *testing.T) {
	gen := newScriptedGenerator()
	recorder := &captureRecorder{}
	runner, _ := newTestRunner(t, gen, recorder)

	agents := testPanel()
	agents[1].ModelID = ""
	params := testParams(agents)
	var a2States []AgentStatus
	params.OnState = func(s AgentRunState) {
		if s.AgentID == "a2" {
			a2States = append(a2States, s.Status)
		}
	}

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{"a2"}, result.FailedAgentIDs)
	assert.Equal(t, []string{"a1", "a3"}, result.CompletedAgents)

	// 未绑定模型的回合不应调用生成器
	for _, call := range gen.calls {
		assert.NotEqual(t, "a2", call.Agent.ID)
	}

	// 也不应对外短暂呈现为 generating
	assert.NotContains(t, a2States, StatusGenerating)
	assert.Equal(t, []AgentStatus{StatusQueued, StatusFailed}, a2States)
}

func TestRun_EmptyOutputFails(t *testing.T) {
	gen := newScriptedGenerator()
	gen.script("a1", func(_ context.Context, _ GenerateRequest, _ DeltaFunc) (GenerateResult, error) {
		return GenerateResult{Content: "   \n  ", StatusCode: 200}, nil
	})
	runner, _ := newTestRunner(t, gen, &captureRecorder{})

	var failedState AgentRunState
	params := testParams(testPanel())
	params.OnState = func(s AgentRunState) {
		if s.AgentID == "a1" && s.Status == StatusFailed {
			failedState = s
		}
	}

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Contains(t, result.FailedAgentIDs, "a1")
	assert.Equal(t, "empty response", failedState.Error)
}

func TestRun_RepetitionFails(t *testing.T) {
	repeated := strings.Repeat("event sourcing gives us an immutable audit log and "+
		"straightforward temporal queries over billing state ", 3)

	gen := newScriptedGenerator()
	gen.script("a1", func(_ context.Context, _ GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		onDelta(repeated)
		return GenerateResult{Content: repeated, StatusCode: 200}, nil
	})
	gen.script("a2", func(_ context.Context, _ GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		onDelta(repeated)
		return GenerateResult{Content: repeated, StatusCode: 200}, nil
	})
	runner, store := newTestRunner(t, gen, &captureRecorder{})

	var failedState AgentRunState
	params := testParams(testPanel())
	params.OnState = func(s AgentRunState) {
		if s.AgentID == "a2" && s.Status == StatusFailed {
			failedState = s
		}
	}

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{"a2"}, result.FailedAgentIDs)
	assert.Equal(t, "repeated prior points without additive value", failedState.Error)

	messages, _ := store.ListByConversation(context.Background(), "conv-1")
	assert.Len(t, messages, 2) // a1 与 a3
}

func TestRun_HumanReplyOpensNewRound(t *testing.T) {
	gen := newScriptedGenerator()
	runner, store := newTestRunner(t, gen, &captureRecorder{})

	replies := NewHumanReplyQueue()
	replies.Enqueue(types.NewUserMessage("What about the migration cost?"))

	var roundNumbers = make(map[string]int)
	params := testParams(testPanel())
	params.Replies = replies
	params.OnState = func(s AgentRunState) {
		if s.Status == StatusCompleted {
			roundNumbers[s.AgentID] = s.RoundNumber
		}
	}

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RepliesProcessed)
	assert.Equal(t, 2, result.RoundNumber)
	assert.Len(t, result.CompletedAgents, 3)

	// a1 在第 1 轮发言，追问到达后 a2 a3 转入第 2 轮
	assert.Equal(t, 1, roundNumbers["a1"])
	assert.Equal(t, 2, roundNumbers["a2"])
	assert.Equal(t, 2, roundNumbers["a3"])

	// 持久化：a1 回复 + 追问开场 + a2 a3 回复
	messages, _ := store.ListByConversation(context.Background(), "conv-1")
	require.Len(t, messages, 4)
	assert.Equal(t, types.ModeHuman, messages[1].Mode)
	assert.Equal(t, messages[1].ID, messages[2].RoundID)
}

func TestRun_ReplyAfterFullPassRequeuesWholePanel(t *testing.T) {
	gen := newScriptedGenerator()
	runner, _ := newTestRunner(t, gen, &captureRecorder{})

	replies := NewHumanReplyQueue()
	params := testParams(testPanel())
	params.Replies = replies

	// 最后一个 Agent 的回合内入队，批次已无剩余，全员转入新轮
	gen.script("a3", func(_ context.Context, req GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		if req.RoundNumber == 1 {
			replies.Enqueue(types.NewUserMessage("Push back on the consensus."))
		}
		content := fmt.Sprintf("Cedar offers a different perspective in round %d replies with enough substance here.", req.RoundNumber)
		onDelta(content)
		return GenerateResult{Content: content, StatusCode: 200}, nil
	})

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RepliesProcessed)
	assert.Equal(t, 2, result.RoundNumber)
	// 第 1 轮 3 次 + 第 2 轮全员 3 次
	assert.Len(t, result.CompletedAgents, 6)
}

func TestRun_RepetitionAgainstEarlierRounds(t *testing.T) {
	prior := "Event sourcing gives us an immutable audit log and straightforward " +
		"temporal queries over the full history of billing state transitions."

	gen := newScriptedGenerator()
	gen.script("a1", func(_ context.Context, _ GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		onDelta(prior)
		return GenerateResult{Content: prior, StatusCode: 200}, nil
	})
	runner, _ := newTestRunner(t, gen, &captureRecorder{})

	// 早前轮次的 Agent 回复出现在历史里
	history := types.NewAgentMessage("a3", "gemini-3-pro", prior).
		WithConversation("conv-1").
		WithRound("round-0")

	params := testParams(testPanel())
	params.History = []types.Message{history}

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	// 逐字复读早前轮次的回复同样被拦截
	assert.Contains(t, result.FailedAgentIDs, "a1")
}

// captureTripper 记录上报的提供者熔断信号。
type captureTripper struct {
	mu        sync.Mutex
	providers []string
}

func (c *captureTripper) TripCircuit(_ context.Context, provider string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	return nil
}

func TestRun_UpstreamServerErrorTripsCircuit(t *testing.T) {
	gen := newScriptedGenerator()
	gen.script("a2", func(_ context.Context, _ GenerateRequest, _ DeltaFunc) (GenerateResult, error) {
		return GenerateResult{}, types.NewError(types.ErrUpstreamError, "bad gateway").
			WithHTTPStatus(502).
			WithProvider("anthropic")
	})
	gen.script("a3", func(_ context.Context, _ GenerateRequest, _ DeltaFunc) (GenerateResult, error) {
		return GenerateResult{}, types.NewError(types.ErrInvalidRequest, "malformed prompt").
			WithHTTPStatus(400)
	})

	tripper := &captureTripper{}
	store := NewMemoryReplyStore()
	runner, err := NewRunner(RunnerOptions{
		Generator: gen,
		Store:     store,
		Tripper:   tripper,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), testParams(testPanel()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a2", "a3"}, result.FailedAgentIDs)

	// 仅 5xx 上报熔断，4xx 不上报
	assert.Equal(t, []string{"anthropic"}, tripper.providers)
}

func TestRun_ContinuationRoundRederivesRoles(t *testing.T) {
	gen := newScriptedGenerator()
	runner, _ := newTestRunner(t, gen, &captureRecorder{})

	replies := NewHumanReplyQueue()
	params := testParams(testPanel())
	params.Replies = replies

	// a1 回合内入队，a2 a3 以子集开启第 2 轮
	gen.script("a1", func(_ context.Context, req GenerateRequest, onDelta DeltaFunc) (GenerateResult, error) {
		replies.Enqueue(types.NewUserMessage("Focus on the operational risks."))
		content := fmt.Sprintf("Atlas lays out the operational tradeoffs in round %d with enough substance here.", req.RoundNumber)
		onDelta(content)
		return GenerateResult{Content: content, StatusCode: 200}, nil
	})

	result, err := runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, result.CompletedAgents, 3)

	rolesByCall := make(map[string]deliberation.Role)
	for _, call := range gen.calls {
		rolesByCall[fmt.Sprintf("%s/%d", call.Agent.ID, call.RoundNumber)] = call.Role
	}

	// 第 1 轮全员面板：a1 对抗者，a3 综合者
	assert.Equal(t, deliberation.RoleContrarian, rolesByCall["a1/1"])

	// 第 2 轮活跃列表为 [a2, a3]：角色重新推导，a2 成为对抗者
	assert.Equal(t, deliberation.RoleContrarian, rolesByCall["a2/2"])
	assert.Equal(t, deliberation.RoleSynthesizer, rolesByCall["a3/2"])
}

func TestRun_InvalidParams(t *testing.T) {
	runner, _ := newTestRunner(t, newScriptedGenerator(), &captureRecorder{})

	_, err := runner.Run(context.Background(), Params{ConversationID: "c"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	params := testParams(testPanel())
	params.Opener.ID = ""
	_, err = runner.Run(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestNewRunner_RequiresGenerator(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestAppendPreview_BoundedTail(t *testing.T) {
	preview := ""
	for i := 0; i < 50; i++ {
		preview = appendPreview(preview, strings.Repeat("x", 30))
	}
	assert.Len(t, []rune(preview), previewLimit)

	// 多字节字符不会被切开
	preview = appendPreview(strings.Repeat("文", previewLimit), "末尾")
	runes := []rune(preview)
	assert.Len(t, runes, previewLimit)
	assert.Equal(t, '尾', runes[previewLimit-1])
}
