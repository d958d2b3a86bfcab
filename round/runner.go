package round

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/deliberation"
	"github.com/BaSui01/councilflow/quality"
	"github.com/BaSui01/councilflow/types"
	"github.com/BaSui01/councilflow/usage"
)

// RunnerOptions 编排器的依赖项。未提供的协作方使用进程内默认值。
type RunnerOptions struct {
	Generator  Generator
	Store      ReplyStore
	Normalizer *quality.Normalizer
	Recorder   usage.Recorder
	Estimator  usage.Estimator
	// Tripper 可选。设置后，上游 5xx 失败会打开对应提供者的熔断。
	Tripper CircuitTripper
	Logger  *zap.Logger
}

// Runner 轮次编排器。串行驱动面板中的每个 Agent 完成回合。
type Runner struct {
	generator  Generator
	store      ReplyStore
	normalizer *quality.Normalizer
	recorder   usage.Recorder
	estimator  usage.Estimator
	tripper    CircuitTripper
	logger     *zap.Logger
}

// NewRunner 创建编排器。Generator 是必需依赖。
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Generator == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "generator is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryReplyStore()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = quality.NewNormalizer(quality.DefaultConfig(), opts.Logger)
	}
	if opts.Recorder == nil {
		opts.Recorder = usage.NopRecorder{}
	}
	if opts.Estimator == nil {
		opts.Estimator = usage.NewHeuristicEstimator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		generator:  opts.Generator,
		store:      opts.Store,
		normalizer: opts.Normalizer,
		recorder:   opts.Recorder,
		estimator:  opts.Estimator,
		tripper:    opts.Tripper,
		logger:     opts.Logger.With(zap.String("component", "round")),
	}, nil
}

// Params 一次轮次运行的参数。
type Params struct {
	UserID         string
	ConversationID string
	// RoundNumber 本轮编号，阶段由编号推导
	RoundNumber int
	// Opener 开启本轮的用户消息，其 ID 即轮次 ID
	Opener types.Message
	// Agents 面板中的 Agent，按固定发言顺序
	Agents []Agent
	// History 本轮之前的会话消息
	History []types.Message
	// Replies 运行期间到达的用户追问队列，可为 nil
	Replies *HumanReplyQueue
	// OnState 回合状态回调，在编排 goroutine 内同步调用，可为 nil
	OnState func(AgentRunState)
}

// workItem 工作循环中的一个批次：某轮次内待执行的 Agent 序列。
// 用户追问通过追加新批次开启新轮次，循环是迭代的，不递归。
type workItem struct {
	opener      types.Message
	roundNumber int
	agents      []Agent
}

// Run 执行一次轮次编排直到所有批次排空或被取消。
// 单个 Agent 失败不会中止运行；取消在每个回合开始前检查，
// 命中后剩余 Agent 统一落为 cancelled。
func (r *Runner) Run(ctx context.Context, params Params) (*RoundResult, error) {
	if len(params.Agents) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "panel has no agents")
	}
	if params.Opener.ID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "round opener message has no id")
	}
	if params.RoundNumber < 1 {
		params.RoundNumber = 1
	}

	transcript := make([]types.Message, 0, len(params.History)+len(params.Agents)+1)
	transcript = append(transcript, params.History...)
	transcript = append(transcript, params.Opener)

	result := &RoundResult{
		RoundID:     params.Opener.ID,
		RoundNumber: params.RoundNumber,
		Phase:       deliberation.PhaseForRound(params.RoundNumber),
	}

	queue := []workItem{{
		opener:      params.Opener,
		roundNumber: params.RoundNumber,
		agents:      params.Agents,
	}}

	r.logger.Info("round started",
		zap.String("conversation_id", params.ConversationID),
		zap.String("round_id", params.Opener.ID),
		zap.Int("round_number", params.RoundNumber),
		zap.Int("agents", len(params.Agents)),
	)

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		phase := deliberation.PhaseForRound(item.roundNumber)
		// 角色每轮从当前有序 Agent 列表重新推导：追问开启的
		// 延续轮次只含剩余子集，首尾角色随之变化
		roles := deliberation.AssignRoles(agentIDs(item.agents))
		result.RoundNumber = item.roundNumber
		result.Phase = phase

		r.emitQueued(params, item)

		for idx := 0; idx < len(item.agents); idx++ {
			agent := item.agents[idx]

			if ctx.Err() != nil {
				r.cancelRemaining(ctx, params, item, idx, result)
				return result, nil
			}

			state, message := r.runTurn(ctx, params, item, agent, deliberation.RoleFor(roles, agent.ID), phase, transcript)

			switch state.Status {
			case StatusCompleted:
				result.CompletedAgents = append(result.CompletedAgents, agent.ID)
				transcript = append(transcript, message)
			case StatusFailed:
				result.FailedAgentIDs = append(result.FailedAgentIDs, agent.ID)
			case StatusCancelled:
				result.CancelledAgents = append(result.CancelledAgents, agent.ID)
				r.cancelRemaining(ctx, params, item, idx+1, result)
				return result, nil
			}

			// 回合边界：排空一条用户追问，开启新一轮
			if params.Replies == nil {
				continue
			}
			reply, ok := params.Replies.Dequeue()
			if !ok {
				continue
			}

			opener, err := r.persistReplyOpener(ctx, params, reply)
			if err != nil {
				r.logger.Error("failed to persist human reply, requeueing",
					zap.String("conversation_id", params.ConversationID), zap.Error(err))
				continue
			}
			transcript = append(transcript, opener)
			result.RepliesProcessed++

			// 当前批次剩余的 Agent 转入新轮次；批次已跑完则全员响应
			next := item.agents[idx+1:]
			if len(next) == 0 {
				next = params.Agents
			}
			queue = append(queue, workItem{
				opener:      opener,
				roundNumber: item.roundNumber + 1,
				agents:      next,
			})

			r.logger.Info("human reply opened a new round",
				zap.String("conversation_id", params.ConversationID),
				zap.String("round_id", opener.ID),
				zap.Int("round_number", item.roundNumber+1),
				zap.Int("agents", len(next)),
			)
			break
		}
	}

	r.logger.Info("round finished",
		zap.String("conversation_id", params.ConversationID),
		zap.String("round_id", result.RoundID),
		zap.Int("completed", len(result.CompletedAgents)),
		zap.Int("failed", len(result.FailedAgentIDs)),
		zap.Bool("cancelled", result.Cancelled),
	)
	return result, nil
}

// runTurn 执行单个 Agent 的回合，返回终态与已持久化的消息
// （仅 completed 时有效）。
func (r *Runner) runTurn(ctx context.Context, params Params, item workItem, agent Agent, role deliberation.Role, phase deliberation.Phase, transcript []types.Message) (AgentRunState, types.Message) {
	state := AgentRunState{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		ModelID:     agent.ModelID,
		RoundNumber: item.roundNumber,
		Status:      StatusGenerating,
		StartedAt:   time.Now(),
	}
	requestID := uuid.NewString()

	// 未绑定模型的回合直接落败，不对外发布 generating 状态
	if agent.ModelID == "" {
		return r.failTurn(ctx, params, item, &state, requestID, 0, 0, "no model bound to agent"), types.Message{}
	}
	r.emit(params, state)

	pool := make([]string, 0, len(transcript))
	for _, m := range transcript {
		pool = append(pool, m.ID)
	}

	prompt := deliberation.BuildSystemPrompt(phase, item.roundNumber, agent.Name, role, pool, item.opener.ID)

	dispatchedAt := time.Now()
	idempotencyKey := fmt.Sprintf("%s:%s:%s:%s:%d",
		params.ConversationID, item.opener.ID, agent.ID, agent.ModelID, dispatchedAt.UnixMilli())

	genResult, err := r.generator.StreamGenerate(ctx, GenerateRequest{
		ConversationID: params.ConversationID,
		RoundID:        item.opener.ID,
		RoundNumber:    item.roundNumber,
		Phase:          phase,
		Agent:          agent,
		Role:           role,
		SystemPrompt:   prompt,
		History:        transcript,
		IdempotencyKey: idempotencyKey,
		RequestID:      requestID,
	}, func(delta string) {
		state.Preview = appendPreview(state.Preview, delta)
		r.emit(params, state)
	})
	latencyMs := time.Since(dispatchedAt).Milliseconds()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			state.Status = StatusCancelled
			state.Error = "cancelled"
			state.FinishedAt = time.Now()
			r.emit(params, state)
			r.record(ctx, params, item, agent, requestID, usage.StatusCancelled, 0, 0, latencyMs, genResult.StatusCode)
			return state, types.Message{}
		}
		r.logger.Warn("agent turn failed upstream",
			zap.String("agent_id", agent.ID),
			zap.String("model_id", agent.ModelID),
			zap.Error(err),
		)
		statusCode := upstreamStatus(genResult, err)
		if statusCode >= http.StatusInternalServerError {
			r.tripCircuit(ctx, agent, statusCode)
		}
		return r.failTurn(ctx, params, item, &state, requestID, latencyMs, statusCode, err.Error()), types.Message{}
	}

	content := strings.TrimSpace(genResult.Content)
	if content == "" {
		return r.failTurn(ctx, params, item, &state, requestID, latencyMs, genResult.StatusCode, "empty response"), types.Message{}
	}

	normalized := r.normalizer.Normalize(content, phase, role, pool, item.opener.ID)

	if r.normalizer.IsPureRepetition(normalized.Content, priorAgentContents(transcript)) {
		return r.failTurn(ctx, params, item, &state, requestID, latencyMs, genResult.StatusCode,
			"repeated prior points without additive value"), types.Message{}
	}

	message := types.NewAgentMessage(agent.ID, agent.ModelID, normalized.Content).
		WithConversation(params.ConversationID).
		WithRound(item.opener.ID).
		WithParent(item.opener.ID)
	message.SenderName = agent.Name

	stored, err := r.store.CreateReply(ctx, message, idempotencyKey)
	if err != nil {
		r.logger.Error("failed to persist agent reply",
			zap.String("agent_id", agent.ID), zap.Error(err))
		return r.failTurn(ctx, params, item, &state, requestID, latencyMs, genResult.StatusCode, "failed to persist reply"), types.Message{}
	}

	promptTokens := genResult.PromptTokens
	if promptTokens == 0 {
		promptTokens = r.estimator.EstimateTokens(prompt)
	}
	completionTokens := genResult.CompletionTokens
	if completionTokens == 0 {
		completionTokens = r.estimator.EstimateTokens(normalized.Content)
	}
	statusCode := genResult.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	r.record(ctx, params, item, agent, requestID, usage.StatusCompleted, promptTokens, completionTokens, latencyMs, statusCode)

	state.Status = StatusCompleted
	state.MessageID = stored.ID
	state.FinishedAt = time.Now()
	r.emit(params, state)

	r.logger.Info("agent turn completed",
		zap.String("agent_id", agent.ID),
		zap.String("model_id", agent.ModelID),
		zap.String("message_id", stored.ID),
		zap.Int64("latency_ms", latencyMs),
	)
	return state, stored
}

// failTurn 将回合落为 failed 并提交用量记录。
func (r *Runner) failTurn(ctx context.Context, params Params, item workItem, state *AgentRunState, requestID string, latencyMs int64, statusCode int, reason string) AgentRunState {
	state.Status = StatusFailed
	state.Error = reason
	state.FinishedAt = time.Now()
	r.emit(params, *state)
	r.record(ctx, params, item, Agent{ID: state.AgentID, ModelID: state.ModelID}, requestID,
		usage.StatusFailed, 0, 0, latencyMs, statusCode)
	return *state
}

// tripCircuit 向门控上报提供者级 5xx 失败，打开熔断冷却。
func (r *Runner) tripCircuit(ctx context.Context, agent Agent, statusCode int) {
	if r.tripper == nil || agent.Provider == "" {
		return
	}
	if err := r.tripper.TripCircuit(ctx, agent.Provider); err != nil {
		r.logger.Warn("failed to trip provider circuit",
			zap.String("provider", agent.Provider), zap.Error(err))
		return
	}
	r.logger.Warn("provider circuit tripped",
		zap.String("provider", agent.Provider),
		zap.Int("status_code", statusCode),
	)
}

// upstreamStatus 提取失败回合的上游 HTTP 状态码。
// 生成结果未携带时回退到结构化错误里的状态。
func upstreamStatus(result GenerateResult, err error) int {
	if result.StatusCode != 0 {
		return result.StatusCode
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.HTTPStatus
	}
	return 0
}

// cancelRemaining 将批次中从 from 起的 Agent 统一落为 cancelled。
func (r *Runner) cancelRemaining(ctx context.Context, params Params, item workItem, from int, result *RoundResult) {
	result.Cancelled = true
	for i := from; i < len(item.agents); i++ {
		agent := item.agents[i]
		state := AgentRunState{
			AgentID:     agent.ID,
			AgentName:   agent.Name,
			ModelID:     agent.ModelID,
			RoundNumber: item.roundNumber,
			Status:      StatusCancelled,
			Error:       "cancelled",
			FinishedAt:  time.Now(),
		}
		r.emit(params, state)
		result.CancelledAgents = append(result.CancelledAgents, agent.ID)
		r.record(ctx, params, item, agent, uuid.NewString(), usage.StatusCancelled, 0, 0, 0, 0)
	}
	r.logger.Info("round cancelled",
		zap.String("conversation_id", params.ConversationID),
		zap.String("round_id", item.opener.ID),
		zap.Int("cancelled_agents", len(item.agents)-from),
	)
}

// persistReplyOpener 将用户追问持久化为新一轮的开场消息。
func (r *Runner) persistReplyOpener(ctx context.Context, params Params, reply types.Message) (types.Message, error) {
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now()
	}
	reply.Role = types.RoleUser
	reply.Mode = types.ModeHuman
	reply.ConversationID = params.ConversationID
	reply.RoundID = reply.ID

	stored, err := r.store.CreateReply(ctx, reply, "reply:"+reply.ID)
	if err != nil {
		return types.Message{}, err
	}
	return stored, nil
}

// record 提交一条用量记录。用量写入失败只记日志，不影响回合终态。
func (r *Runner) record(ctx context.Context, params Params, item workItem, agent Agent, requestID string, status usage.Status, promptTokens, completionTokens int, latencyMs int64, statusCode int) {
	err := r.recorder.Record(ctx, usage.Record{
		UserID:           params.UserID,
		ConversationID:   params.ConversationID,
		RoundID:          item.opener.ID,
		ModelID:          agent.ModelID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latencyMs,
		Status:           status,
		StatusCode:       statusCode,
		RequestID:        requestID,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		r.logger.Warn("usage record dropped", zap.String("request_id", requestID), zap.Error(err))
	}
}

// emitQueued 为批次中的所有 Agent 发布 queued 状态。
func (r *Runner) emitQueued(params Params, item workItem) {
	for _, agent := range item.agents {
		r.emit(params, AgentRunState{
			AgentID:     agent.ID,
			AgentName:   agent.Name,
			ModelID:     agent.ModelID,
			RoundNumber: item.roundNumber,
			Status:      StatusQueued,
		})
	}
}

func (r *Runner) emit(params Params, state AgentRunState) {
	if params.OnState != nil {
		params.OnState(state)
	}
}

// priorAgentContents 收集对话内全部在先 Agent 回复的内容，
// 作为重复检测的比较基准。不按轮次过滤：逐字复读早前
// 轮次的回复同样不具增量价值。
func priorAgentContents(transcript []types.Message) []string {
	var contents []string
	for _, m := range transcript {
		if m.Mode == types.ModeAgent {
			contents = append(contents, m.Content)
		}
	}
	return contents
}

func agentIDs(agents []Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
