// Copyright (c) CouncilFlow Authors.
// Licensed under the MIT License.

/*
Package llm 提供面向模型提供者的生成客户端。

# 概述

llm 包实现 round.Generator：通过 OpenAI 兼容的 SSE 接口驱动
单个 Agent 回合的流式生成。所有主流提供者（OpenAI、DeepSeek、
Qwen、GLM 等）共享同一兼容协议，按 BaseURL 与 APIKey 区分。

# 核心类型

  - Client — 单提供者的流式生成客户端，带错误码映射与用量提取
  - Router — 按 Agent 的 Provider 字段分发到对应 Client

# 错误映射

上游 HTTP 状态映射为结构化错误码：429 → RATE_LIMITED，
408/504 → UPSTREAM_TIMEOUT，其余 4xx/5xx → UPSTREAM_ERROR。
取消通过 context 传播，客户端返回 ctx.Err() 的包装。
*/
package llm
