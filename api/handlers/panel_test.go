package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/api"
	"github.com/BaSui01/councilflow/gate"
	"github.com/BaSui01/councilflow/round"
	"github.com/BaSui01/councilflow/types"
)

// stubGenerator 固定内容生成器。block 非 nil 时在该通道关闭前阻塞。
type stubGenerator struct {
	block chan struct{}
}

func (g *stubGenerator) StreamGenerate(ctx context.Context, req round.GenerateRequest, onDelta round.DeltaFunc) (round.GenerateResult, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return round.GenerateResult{}, ctx.Err()
		}
	}
	content := fmt.Sprintf(
		"%s offers a distinct position on round %d grounded in prior discussion, weighing the tradeoffs in depth before committing to a recommendation.",
		req.Agent.Name, req.RoundNumber,
	)
	onDelta(content)
	return round.GenerateResult{Content: content, StatusCode: 200}, nil
}

func testAgents() []round.Agent {
	return []round.Agent{
		{ID: "a1", Name: "Atlas", ModelID: "gpt-4o", Provider: "openai"},
		{ID: "a2", Name: "Birch", ModelID: "claude-sonnet-4-5", Provider: "anthropic"},
		{ID: "a3", Name: "Cedar", ModelID: "gemini-2.5-pro", Provider: "google"},
	}
}

type panelFixture struct {
	handler *PanelHandler
	mux     *http.ServeMux
	manager *round.Manager
	gate    *gate.Gate
	store   *round.MemoryReplyStore
}

func newPanelFixture(t *testing.T, gateCfg gate.Config, gen round.Generator) *panelFixture {
	t.Helper()

	g := gate.New(nil, gateCfg, zap.NewNop())
	t.Cleanup(func() { _ = g.Close() })

	store := round.NewMemoryReplyStore()
	runner, err := round.NewRunner(round.RunnerOptions{
		Generator: gen,
		Store:     store,
		Tripper:   g,
	})
	require.NoError(t, err)

	manager := round.NewManager(runner, zap.NewNop())

	handler, err := NewPanelHandler(PanelHandlerOptions{
		Manager: manager,
		Gate:    g,
		Store:   store,
		Panel:   testAgents(),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &panelFixture{handler: handler, mux: mux, manager: manager, gate: g, store: store}
}

func defaultGateConfig() gate.Config {
	cfg := gate.DefaultConfig()
	cfg.RateLimit.Limit = 100
	return cfg
}

func (f *panelFixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(payload)))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, r)
	return rec
}

func (f *panelFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (f *panelFixture) waitForRound(t *testing.T, conversationID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Wait(ctx, conversationID))
}

func TestPanelHandler_StartRound(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Should we adopt event sourcing?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["round_id"])
	assert.Equal(t, float64(1), data["round_number"])
	assert.Equal(t, "diverge", data["phase"])

	f.waitForRound(t, "conv-1")

	snap := f.get(t, "/v1/conversations/conv-1/snapshot")
	require.Equal(t, http.StatusOK, snap.Code)

	var envelope struct {
		Data round.Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(snap.Body).Decode(&envelope))
	assert.False(t, envelope.Data.Active)
	require.NotNil(t, envelope.Data.Result)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, envelope.Data.Result.CompletedAgents)
	assert.Empty(t, envelope.Data.Result.FailedAgentIDs)
}

func TestPanelHandler_StartRound_PersistsOpenerAndReplies(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Opening question",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitForRound(t, "conv-1")

	msgs := f.get(t, "/v1/conversations/conv-1/messages")
	require.Equal(t, http.StatusOK, msgs.Code)

	var envelope struct {
		Data []types.Message `json:"data"`
	}
	require.NoError(t, json.NewDecoder(msgs.Body).Decode(&envelope))
	require.Len(t, envelope.Data, 4)
	assert.Equal(t, types.ModeHuman, envelope.Data[0].Mode)
	assert.Equal(t, "Opening question", envelope.Data[0].Content)
	for _, m := range envelope.Data[1:] {
		assert.Equal(t, types.ModeAgent, m.Mode)
		assert.Equal(t, envelope.Data[0].ID, m.RoundID)
	}
}

func TestPanelHandler_StartRound_InfersNextRoundNumber(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	first := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "First question",
	})
	require.Equal(t, http.StatusAccepted, first.Code)
	f.waitForRound(t, "conv-1")

	second := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Second question",
	})
	require.Equal(t, http.StatusAccepted, second.Code)
	f.waitForRound(t, "conv-1")

	resp := decodeResponse(t, second)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["round_number"])
}

func TestPanelHandler_StartRound_RateLimited(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.RateLimit.Limit = 1
	f := newPanelFixture(t, cfg, &stubGenerator{})

	first := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "First",
	})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.postJSON(t, "/v1/conversations/conv-2/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Second",
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	resp := decodeResponse(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrRateLimited), resp.Error.Code)
	assert.True(t, resp.Error.Retryable)

	f.waitForRound(t, "conv-1")
}

func TestPanelHandler_StartRound_DuplicateIdempotencyKey(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	first := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:         "user-1",
		Content:        "First",
		IdempotencyKey: "req-1",
	})
	require.Equal(t, http.StatusAccepted, first.Code)
	f.waitForRound(t, "conv-1")

	second := f.postJSON(t, "/v1/conversations/conv-2/rounds", api.StartRoundRequest{
		UserID:         "user-1",
		Content:        "Retry of first",
		IdempotencyKey: "req-1",
	})
	assert.Equal(t, http.StatusConflict, second.Code)

	resp := decodeResponse(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrDuplicateRequest), resp.Error.Code)
}

func TestPanelHandler_StartRound_ConcurrencyExhausted(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.MaxConcurrent = 1

	block := make(chan struct{})
	f := newPanelFixture(t, cfg, &stubGenerator{block: block})

	first := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Long running",
	})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.postJSON(t, "/v1/conversations/conv-2/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Should queue behind slot",
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	resp := decodeResponse(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrConcurrencyExhausted), resp.Error.Code)

	close(block)
	f.waitForRound(t, "conv-1")
}

func TestPanelHandler_StartRound_CircuitOpen(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	require.NoError(t, f.gate.TripCircuit(context.Background(), "openai"))

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Blocked by circuit",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrCircuitOpen), resp.Error.Code)
}

// serverErrorGenerator 所有回合以上游 502 失败。
type serverErrorGenerator struct{}

func (serverErrorGenerator) StreamGenerate(_ context.Context, req round.GenerateRequest, _ round.DeltaFunc) (round.GenerateResult, error) {
	return round.GenerateResult{}, types.NewError(types.ErrUpstreamError, "bad gateway").
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithProvider(req.Agent.Provider)
}

func TestPanelHandler_UpstreamFailureOpensCircuit(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), serverErrorGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Should we adopt event sourcing?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitForRound(t, "conv-1")

	// 上游 5xx 经编排器上报后，后续轮次被熔断拒绝
	second := f.postJSON(t, "/v1/conversations/conv-2/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Another question",
	})
	assert.Equal(t, http.StatusServiceUnavailable, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	resp := decodeResponse(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrCircuitOpen), resp.Error.Code)
}

func TestPanelHandler_StartRound_ValidatesInput(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID: "user-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
}

func TestPanelHandler_StartRound_RoundLimit(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})
	f.handler.maxRounds = 1

	rec := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:      "user-1",
		Content:     "Too deep",
		RoundNumber: 2,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPanelHandler_Reply_RequiresActiveRound(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/replies", api.ReplyRequest{
		UserID:  "user-1",
		Content: "Follow up",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrRoundNotFound), resp.Error.Code)
}

func TestPanelHandler_Reply_QueuedIntoActiveRound(t *testing.T) {
	block := make(chan struct{})
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{block: block})

	start := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Opening",
	})
	require.Equal(t, http.StatusAccepted, start.Code)

	rec := f.postJSON(t, "/v1/conversations/conv-1/replies", api.ReplyRequest{
		UserID:  "user-1",
		Content: "What about operational cost?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["message_id"])

	close(block)
	f.waitForRound(t, "conv-1")

	// 追问在 a1 的回合边界被取出并开启第二轮，剩余 Agent 移入新轮：
	// 开场 + a1 回复 + 追问 + a2/a3 回复
	msgs, err := f.store.ListByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, types.ModeHuman, msgs[2].Mode)
	assert.Equal(t, msgs[2].ID, msgs[3].RoundID)
	assert.Equal(t, msgs[2].ID, msgs[4].RoundID)
}

func TestPanelHandler_Cancel(t *testing.T) {
	block := make(chan struct{})
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{block: block})

	start := f.postJSON(t, "/v1/conversations/conv-1/rounds", api.StartRoundRequest{
		UserID:  "user-1",
		Content: "Opening",
	})
	require.Equal(t, http.StatusAccepted, start.Code)

	rec := f.postJSON(t, "/v1/conversations/conv-1/cancel", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	f.waitForRound(t, "conv-1")
	close(block)

	snap, err := f.manager.GetSnapshot("conv-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Cancelled)

	// 已无活跃轮次，再取消报 404
	again := f.postJSON(t, "/v1/conversations/conv-1/cancel", struct{}{})
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestPanelHandler_Retry_NoFinishedRound(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.postJSON(t, "/v1/conversations/conv-1/retry", struct{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPanelHandler_Snapshot_NotFound(t *testing.T) {
	f := newPanelFixture(t, defaultGateConfig(), &stubGenerator{})

	rec := f.get(t, "/v1/conversations/unknown/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewPanelHandler_RequiresDependencies(t *testing.T) {
	_, err := NewPanelHandler(PanelHandlerOptions{})
	assert.Error(t, err)

	_, err = NewPanelHandler(PanelHandlerOptions{
		Manager: round.NewManager(nil, nil),
		Gate:    gate.New(nil, gate.DefaultConfig(), nil),
		Store:   round.NewMemoryReplyStore(),
	})
	assert.Error(t, err)
}
