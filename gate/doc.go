// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 gate 提供轮次编排入口处的韧性原语：限流、幂等占位、
并发槽位与熔断冷却。

# 后端

四个原语共用同一个 Backend 抽象。生产部署使用 Redis 后端
（固定窗口 INCR+EXPIRE、SET NX、INCR/DECR 计数、TTL 标志位），
Redis 不可用时按策略降级：

  - 宽松模式（默认）：降级到进程内后端继续服务，
    原语语义不变但失去跨实例一致性。
  - 严格模式：fail-closed，直接拒绝请求并返回
    ErrGateUnavailable，保护下游模型配额。

# 键空间

	ratelimit:{scope}:{id}        固定窗口计数
	idem:{userId}:{key}           幂等占位
	concurrency:{userId}          活跃槽位计数
	circuit:{provider}:cooldown   熔断冷却标志

所有键都带 TTL，进程内后端由清理循环回收过期键，
杜绝计数泄漏。
*/
package gate
