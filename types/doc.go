// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 types 提供 councilflow 全局共享的核心类型。

本包对其他 councilflow 包零依赖，用于避免循环引用。
消息、错误码、上下文键等基础类型统一定义在这里。

# 核心模型

  - Message：会话消息，含发言者、轮次与父消息关联。
  - MessageMode：消息来源（human / agent）。
  - Error / ErrorCode：统一结构化错误，携带 HTTP 状态、
    可重试标记与限流重试提示（RetryAfterSeconds）。
  - 上下文辅助函数：WithUserID / WithRequestID 等。
*/
package types
