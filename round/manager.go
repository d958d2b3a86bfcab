package round

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/types"
)

// Manager 管理会话级的轮次生命周期。同一会话同时最多一个
// 活跃轮次；运行期间的用户追问入队，由编排循环在回合边界排空。
type Manager struct {
	runner *Runner
	logger *zap.Logger

	mu         sync.Mutex
	active     map[string]*activeRound
	lastResult map[string]*RoundResult
	lastParams map[string]Params
}

// activeRound 一个运行中的轮次及其可观测状态。
type activeRound struct {
	roundID     string
	roundNumber int
	cancel      context.CancelFunc
	replies     *HumanReplyQueue
	done        chan struct{}

	mu     sync.RWMutex
	states map[string]AgentRunState
	order  []string
}

func (ar *activeRound) updateState(state AgentRunState) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if _, ok := ar.states[state.AgentID]; !ok {
		ar.order = append(ar.order, state.AgentID)
	}
	ar.states[state.AgentID] = state
}

func (ar *activeRound) snapshotStates() []AgentRunState {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	out := make([]AgentRunState, 0, len(ar.order))
	for _, id := range ar.order {
		out = append(out, ar.states[id])
	}
	return out
}

// NewManager 创建轮次管理器。
func NewManager(runner *Runner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner:     runner,
		logger:     logger.With(zap.String("component", "round.manager")),
		active:     make(map[string]*activeRound),
		lastResult: make(map[string]*RoundResult),
		lastParams: make(map[string]Params),
	}
}

// StartRound 启动一个轮次。会话已有活跃轮次时拒绝。
// 运行在独立 goroutine 中，与请求 context 解耦，
// 取消只通过 Cancel 传播。
func (m *Manager) StartRound(ctx context.Context, params Params) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[params.ConversationID]; ok {
		return "", types.NewError(types.ErrRoundActive, "conversation already has an active round").
			WithHTTPStatus(409)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ar := &activeRound{
		roundID:     params.Opener.ID,
		roundNumber: params.RoundNumber,
		cancel:      cancel,
		replies:     NewHumanReplyQueue(),
		done:        make(chan struct{}),
		states:      make(map[string]AgentRunState),
	}
	m.active[params.ConversationID] = ar
	m.lastParams[params.ConversationID] = params

	userState := params.OnState
	params.Replies = ar.replies
	params.OnState = func(state AgentRunState) {
		ar.updateState(state)
		if userState != nil {
			userState(state)
		}
	}

	go func() {
		defer cancel()

		result, err := m.runner.Run(runCtx, params)
		if err != nil {
			m.logger.Error("round run failed",
				zap.String("conversation_id", params.ConversationID), zap.Error(err))
		}

		m.mu.Lock()
		delete(m.active, params.ConversationID)
		if result != nil {
			m.lastResult[params.ConversationID] = result
		}
		m.mu.Unlock()

		close(ar.done)
	}()

	return params.Opener.ID, nil
}

// QueueReply 向活跃轮次排队一条用户追问。
func (m *Manager) QueueReply(conversationID string, reply types.Message) error {
	m.mu.Lock()
	ar, ok := m.active[conversationID]
	m.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrRoundNotFound, "no active round for conversation").
			WithHTTPStatus(404)
	}
	ar.replies.Enqueue(reply)
	m.logger.Debug("human reply queued",
		zap.String("conversation_id", conversationID),
		zap.Int("pending", ar.replies.Len()),
	)
	return nil
}

// Cancel 取消会话的活跃轮次。取消是协作式的：正在生成的回合
// 在下一个检查点落为 cancelled。
func (m *Manager) Cancel(conversationID string) error {
	m.mu.Lock()
	ar, ok := m.active[conversationID]
	m.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrRoundNotFound, "no active round for conversation").
			WithHTTPStatus(404)
	}
	ar.cancel()
	m.logger.Info("round cancellation requested",
		zap.String("conversation_id", conversationID))
	return nil
}

// Snapshot 会话轮次的可观测快照。
type Snapshot struct {
	RoundID     string          `json:"round_id"`
	RoundNumber int             `json:"round_number"`
	Active      bool            `json:"active"`
	States      []AgentRunState `json:"states,omitempty"`
	Result      *RoundResult    `json:"result,omitempty"`
}

// GetSnapshot 返回活跃轮次的实时状态，或最近一次完成轮次的结果。
func (m *Manager) GetSnapshot(conversationID string) (Snapshot, error) {
	m.mu.Lock()
	ar, running := m.active[conversationID]
	last := m.lastResult[conversationID]
	m.mu.Unlock()

	if running {
		return Snapshot{
			RoundID:     ar.roundID,
			RoundNumber: ar.roundNumber,
			Active:      true,
			States:      ar.snapshotStates(),
		}, nil
	}
	if last != nil {
		return Snapshot{
			RoundID:     last.RoundID,
			RoundNumber: last.RoundNumber,
			Active:      false,
			Result:      last,
		}, nil
	}
	return Snapshot{}, types.NewError(types.ErrRoundNotFound, "no round found for conversation").
		WithHTTPStatus(404)
}

// Wait 阻塞到会话的活跃轮次结束。没有活跃轮次时立即返回。
func (m *Manager) Wait(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	ar, ok := m.active[conversationID]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryFailed 以上一轮的失败 Agent 子集重新启动轮次。
// 轮次编号与开场消息保持不变，重试产生新的调度时间戳，
// 因而幂等键不同，不会被去重挡下。
func (m *Manager) RetryFailed(ctx context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	_, running := m.active[conversationID]
	last := m.lastResult[conversationID]
	params, hasParams := m.lastParams[conversationID]
	m.mu.Unlock()

	if running {
		return "", types.NewError(types.ErrRoundActive, "conversation already has an active round").
			WithHTTPStatus(409)
	}
	if last == nil || !hasParams {
		return "", types.NewError(types.ErrRoundNotFound, "no finished round to retry").
			WithHTTPStatus(404)
	}
	if len(last.FailedAgentIDs) == 0 {
		return "", types.NewError(types.ErrInvalidRequest, "last round has no failed agents").
			WithHTTPStatus(400)
	}

	failed := make(map[string]struct{}, len(last.FailedAgentIDs))
	for _, id := range last.FailedAgentIDs {
		failed[id] = struct{}{}
	}
	subset := make([]Agent, 0, len(failed))
	for _, agent := range params.Agents {
		if _, ok := failed[agent.ID]; ok {
			subset = append(subset, agent)
		}
	}

	params.Agents = subset
	params.RoundNumber = last.RoundNumber

	// 重试前从存储刷新历史，带上上一轮已完成的回复
	if history, err := m.runner.store.ListByConversation(ctx, conversationID); err == nil {
		refreshed := make([]types.Message, 0, len(history))
		for _, msg := range history {
			if msg.ID == params.Opener.ID {
				continue
			}
			refreshed = append(refreshed, msg)
		}
		params.History = refreshed
	}

	return m.StartRound(ctx, params)
}
