package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/api"
	"github.com/BaSui01/councilflow/deliberation"
	"github.com/BaSui01/councilflow/gate"
	"github.com/BaSui01/councilflow/internal/metrics"
	"github.com/BaSui01/councilflow/round"
	"github.com/BaSui01/councilflow/types"
)

// =============================================================================
// 🧭 轮次生命周期 Handler
// =============================================================================

// PanelHandler 轮次生命周期处理器。
// 所有写操作先过门控（限流 → 幂等 → 熔断 → 并发槽位），再进入编排。
type PanelHandler struct {
	manager *round.Manager
	gate    *gate.Gate
	store   round.ReplyStore
	panel   []round.Agent
	// maxRounds 单会话允许的最大轮次编号，0 表示不限制
	maxRounds int
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// PanelHandlerOptions PanelHandler 的依赖项。
type PanelHandlerOptions struct {
	Manager *round.Manager
	Gate    *gate.Gate
	Store   round.ReplyStore
	Panel   []round.Agent
	// MaxRounds 为 0 时不限制轮次编号
	MaxRounds int
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// NewPanelHandler 创建轮次处理器。Manager、Gate、Store、Panel 是必需依赖。
func NewPanelHandler(opts PanelHandlerOptions) (*PanelHandler, error) {
	if opts.Manager == nil || opts.Gate == nil || opts.Store == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "manager, gate and store are required")
	}
	if len(opts.Panel) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "panel has no agents")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PanelHandler{
		manager:   opts.Manager,
		gate:      opts.Gate,
		store:     opts.Store,
		panel:     opts.Panel,
		maxRounds: opts.MaxRounds,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(zap.String("component", "panel_handler")),
	}, nil
}

// RegisterRoutes 注册轮次端点。
func (h *PanelHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/conversations/{conversation}/rounds", h.HandleStartRound)
	mux.HandleFunc("POST /v1/conversations/{conversation}/replies", h.HandleReply)
	mux.HandleFunc("POST /v1/conversations/{conversation}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /v1/conversations/{conversation}/retry", h.HandleRetry)
	mux.HandleFunc("GET /v1/conversations/{conversation}/snapshot", h.HandleSnapshot)
	mux.HandleFunc("GET /v1/conversations/{conversation}/messages", h.HandleMessages)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleStartRound 开启一轮讨论
// @Summary 开启轮次
// @Description 对会话面板开启一轮多 Agent 讨论，异步执行
// @Tags 轮次
// @Accept json
// @Produce json
// @Param conversation path string true "会话 ID"
// @Param request body api.StartRoundRequest true "开启轮次请求"
// @Success 202 {object} Response "轮次已受理"
// @Failure 400 {object} Response "无效请求"
// @Failure 409 {object} Response "轮次已在进行或请求重复"
// @Failure 429 {object} Response "限流或并发超限"
// @Failure 503 {object} Response "熔断或门控不可用"
// @Router /v1/conversations/{conversation}/rounds [post]
func (h *PanelHandler) HandleStartRound(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")
	if conversationID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "conversation id is required", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StartRoundRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.UserID == "" || req.Content == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user_id and content are required", h.logger)
		return
	}

	ctx := r.Context()
	if !h.passGate(ctx, w, req.UserID, req.IdempotencyKey) {
		return
	}

	slot, err := h.gate.AcquireSlot(ctx, req.UserID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if !slot.Acquired {
		h.recordDenial("concurrency")
		WriteError(w, types.NewError(types.ErrConcurrencyExhausted, "too many concurrent rounds").
			WithRetryable(true), h.logger)
		return
	}

	roundNumber := h.resolveRoundNumber(conversationID, req.RoundNumber)
	if h.maxRounds > 0 && roundNumber > h.maxRounds {
		slot.Release(ctx)
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "round limit reached for conversation", h.logger)
		return
	}

	opener := types.NewUserMessage(req.Content).WithConversation(conversationID)
	opener.SenderID = req.UserID
	opener = opener.WithRound(opener.ID)

	history, err := h.store.ListByConversation(ctx, conversationID)
	if err != nil {
		slot.Release(ctx)
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if _, err := h.store.CreateReply(ctx, opener, "opener:"+opener.ID); err != nil {
		slot.Release(ctx)
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	roundID, err := h.manager.StartRound(ctx, round.Params{
		UserID:         req.UserID,
		ConversationID: conversationID,
		RoundNumber:    roundNumber,
		Opener:         opener,
		Agents:         h.panel,
		History:        history,
	})
	if err != nil {
		slot.Release(ctx)
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	// 并发槽位在轮次结束后释放，与请求 context 解耦
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.manager.Wait(waitCtx, conversationID); err != nil {
			h.logger.Warn("wait for round completion failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
		slot.Release(context.Background())
	}()

	h.logger.Info("round accepted",
		zap.String("conversation_id", conversationID),
		zap.String("round_id", roundID),
		zap.Int("round_number", roundNumber),
	)

	WriteAccepted(w, api.StartRoundResponse{
		RoundID:        roundID,
		ConversationID: conversationID,
		RoundNumber:    roundNumber,
		Phase:          string(deliberation.PhaseForRound(roundNumber)),
		AcceptedAt:     time.Now(),
	})
}

// HandleReply 向活跃轮次追加用户追问
// @Summary 用户追问
// @Description 追问入队，由编排循环在回合边界取出并开启新轮次
// @Tags 轮次
// @Accept json
// @Produce json
// @Param conversation path string true "会话 ID"
// @Param request body api.ReplyRequest true "追问请求"
// @Success 200 {object} Response "追问已入队"
// @Failure 404 {object} Response "会话没有活跃轮次"
// @Router /v1/conversations/{conversation}/replies [post]
func (h *PanelHandler) HandleReply(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ReplyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.UserID == "" || req.Content == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user_id and content are required", h.logger)
		return
	}

	reply := types.NewUserMessage(req.Content).WithConversation(conversationID)
	reply.SenderID = req.UserID

	if err := h.manager.QueueReply(conversationID, reply); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordReplyQueued()
	}

	WriteSuccess(w, api.ReplyResponse{
		MessageID:      reply.ID,
		ConversationID: conversationID,
	})
}

// HandleCancel 取消活跃轮次
// @Summary 取消轮次
// @Description 协作式取消，正在生成的回合在下一检查点落为 cancelled
// @Tags 轮次
// @Produce json
// @Param conversation path string true "会话 ID"
// @Success 200 {object} Response "取消已受理"
// @Failure 404 {object} Response "会话没有活跃轮次"
// @Router /v1/conversations/{conversation}/cancel [post]
func (h *PanelHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	if err := h.manager.Cancel(conversationID); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	WriteSuccess(w, api.CancelResponse{
		ConversationID: conversationID,
		Accepted:       true,
	})
}

// HandleRetry 以失败 Agent 子集重试上一轮
// @Summary 重试失败 Agent
// @Description 轮次编号与开场消息不变，仅重跑失败的 Agent
// @Tags 轮次
// @Produce json
// @Param conversation path string true "会话 ID"
// @Success 202 {object} Response "重试已受理"
// @Failure 400 {object} Response "上一轮没有失败 Agent"
// @Failure 404 {object} Response "没有可重试的轮次"
// @Failure 409 {object} Response "轮次已在进行"
// @Router /v1/conversations/{conversation}/retry [post]
func (h *PanelHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	roundID, err := h.manager.RetryFailed(r.Context(), conversationID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	WriteAccepted(w, api.RetryResponse{
		RoundID:        roundID,
		ConversationID: conversationID,
	})
}

// HandleSnapshot 查询轮次进度
// @Summary 轮次快照
// @Description 活跃轮次返回实时回合状态，否则返回最近一轮结果
// @Tags 轮次
// @Produce json
// @Param conversation path string true "会话 ID"
// @Success 200 {object} Response "快照"
// @Failure 404 {object} Response "会话没有任何轮次"
// @Router /v1/conversations/{conversation}/snapshot [get]
func (h *PanelHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	snapshot, err := h.manager.GetSnapshot(conversationID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, snapshot)
}

// HandleMessages 查询会话消息
// @Summary 会话消息
// @Description 按创建顺序返回会话中的全部消息
// @Tags 轮次
// @Produce json
// @Param conversation path string true "会话 ID"
// @Success 200 {object} Response "消息列表"
// @Router /v1/conversations/{conversation}/messages [get]
func (h *PanelHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	messages, err := h.store.ListByConversation(r.Context(), conversationID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, messages)
}

// =============================================================================
// 🚪 入口门控
// =============================================================================

// passGate 执行写路径的前置门控：限流 → 幂等 → 熔断。
// 并发槽位由调用方获取，因为释放点跨越轮次生命周期。
func (h *PanelHandler) passGate(ctx context.Context, w http.ResponseWriter, userID, idempotencyKey string) bool {
	rl, err := h.gate.CheckRateLimit(ctx, "user", userID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return false
	}
	if !rl.Allowed {
		h.recordDenial("rate_limit")
		WriteError(w, types.NewError(types.ErrRateLimited, "rate limit exceeded").
			WithRetryable(true).
			WithRetryAfter(rl.RetryAfterSeconds), h.logger)
		return false
	}

	if idempotencyKey != "" {
		claimed, err := h.gate.ClaimIdempotency(ctx, userID, idempotencyKey)
		if err != nil {
			WriteError(w, asAPIError(err), h.logger)
			return false
		}
		if !claimed {
			h.recordDenial("idempotency")
			WriteError(w, types.NewError(types.ErrDuplicateRequest, "duplicate request"), h.logger)
			return false
		}
	}

	for _, provider := range h.providers() {
		open, retryAfter, err := h.gate.CircuitOpen(ctx, provider)
		if err != nil {
			WriteError(w, asAPIError(err), h.logger)
			return false
		}
		if open {
			h.recordDenial("circuit")
			WriteError(w, types.NewError(types.ErrCircuitOpen, "provider circuit is open").
				WithProvider(provider).
				WithRetryable(true).
				WithRetryAfter(retryAfter), h.logger)
			return false
		}
	}

	return true
}

// providers 面板中去重后的提供者列表。
func (h *PanelHandler) providers() []string {
	seen := make(map[string]struct{}, len(h.panel))
	out := make([]string, 0, len(h.panel))
	for _, agent := range h.panel {
		if agent.Provider == "" {
			continue
		}
		if _, ok := seen[agent.Provider]; ok {
			continue
		}
		seen[agent.Provider] = struct{}{}
		out = append(out, agent.Provider)
	}
	return out
}

// resolveRoundNumber 未显式指定时顺延最近一轮的编号。
func (h *PanelHandler) resolveRoundNumber(conversationID string, requested int) int {
	if requested > 0 {
		return requested
	}
	if snapshot, err := h.manager.GetSnapshot(conversationID); err == nil {
		return snapshot.RoundNumber + 1
	}
	return 1
}

func (h *PanelHandler) recordDenial(primitive string) {
	if h.metrics != nil {
		h.metrics.RecordGateDenial(primitive)
	}
}

// asAPIError 将任意错误转换为结构化 API 错误。
func asAPIError(err error) *types.Error {
	if apiErr, ok := err.(*types.Error); ok {
		return apiErr
	}
	return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
}
