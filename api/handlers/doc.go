// Copyright (c) CouncilFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 CouncilFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了轮次编排所有 HTTP 端点的请求处理逻辑，
包括开启轮次、用户追问、取消与重试、进度快照、健康检查，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - PanelHandler    — 轮次生命周期端点（开启、追问、取消、重试、快照）
  - HealthHandler   — 服务健康检查（/health, /healthz, /ready）
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter  — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck     — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx），限流类响应带 Retry-After
  - 入口门控：限流、幂等、并发槽位、提供者熔断，全部先于编排执行
*/
package handlers
