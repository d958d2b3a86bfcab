// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 round 实现讨论轮次的编排：按固定顺序驱动面板中的每个
Agent 完成一个回合，并在回合边界排空排队的用户追问。

# 回合状态机

每个 Agent 的回合经历 queued → generating → 终态
（completed、failed、cancelled）。单个 Agent 失败不会中止
整轮：失败被记录，编排继续下一个 Agent。取消通过
context 协作传播，在每个回合开始前检查一次，命中后剩余
排队的 Agent 统一落为 cancelled。

# 用户追问

轮次运行期间到达的用户回复进入 FIFO 队列，在当前回合结束后
排空：每条回复作为新一轮的开场消息持久化，阶段按新轮次编号
重算，剩余 Agent（或全部面板）作为新的工作批次重新排队。
整个过程是一个迭代的工作循环，不使用递归。

# 可观测性

每个回合的流式增量累积为有界预览（保留末尾 1000 字符），
通过状态回调暴露给上层。回合终态后向 usage 包提交一条
用量记录。
*/
package round
