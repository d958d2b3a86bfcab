// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 usage 实现用量摄取与 Token 估算。

每个 Agent 回合到达终态（成功、失败、取消）后，round 包提交
一条用量记录。记录是计费与配额的输入契约，字段固定：用户、
会话、轮次、模型、prompt/completion Token 数、延迟、终态、
状态码与请求 ID。

Token 数优先取上游返回的用量；上游未返回时用 Estimator 估算。
Estimator 有两个实现：tiktoken 精确计数（OpenAI 系模型）与
CJK 感知的启发式估算（其余模型与 tiktoken 初始化失败时的
兜底）。
*/
package usage
