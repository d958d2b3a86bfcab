// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 deliberation 提供多模型讨论面板的阶段引擎。

# 概述

本包解决"一轮讨论处于什么阶段、每个 Agent 扮演什么角色、
应收到什么系统提示词"的问题。全部函数均为纯函数：相同输入
必定产生相同输出，无任何副作用，便于上层 round 包在每轮
开始时重新推导。

# 核心模型

  - Phase：讨论阶段枚举（diverge / challenge / synthesize），
    由轮次编号纯函数推导：1-2 轮发散，3-4 轮质询，5 轮起综合。
  - Role：Agent 在本轮的行为角色（default / contrarian /
    synthesizer）。面板非空时恰好有一个 synthesizer（顺序最后
    一位）；当面板多于一人且首位不是 synthesizer 时，首位为
    contrarian。
  - BuildSystemPrompt：按阶段 × 角色组合系统提示词，包含引用
    池要求与决策板要求。

# 与 round 包协同

round 包在每轮（含排队人工消息触发的新轮）开始时调用
PhaseForRound 与 AssignRoles 重新推导阶段与角色，再为每个
Agent 调用 BuildSystemPrompt 生成该回合的系统指令。
*/
package deliberation
