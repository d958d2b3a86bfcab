// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 quality 对模型原始输出强制执行结构契约，并检测近重复回复。

# 概述

模型输出在持久化前必须满足三项结构契约：贡献类型行
（Contribution:）、引用行（References:）与按角色/阶段门控的
决策板块（Decision Board:）。本包负责缺失时注入、存在时放行，
整个规范化过程在重复应用下幂等。

# 核心能力

  - ResolveContributionType：由角色与阶段确定贡献类型，
    确定且全函数。
  - ExtractReferences：扫描 UUID 形态的引用并去重保序，
    无引用时回退到允许池首个 ID 或指定回退 ID。
  - Normalizer.Normalize：幂等的头部注入与决策板补全。
  - Normalizer.IsPureRepetition：剥离注入的元数据行后做
    大小写/空白规范化，检测与既有回复的完全重复或长前缀
    包含（阈值可配置，默认 90 / 180 字符）。

# 与 round 包协同

round 包在每个 Agent 回合完成后调用 Normalize，再以
IsPureRepetition 判定"无新增价值"的输出；命中者作为可重试
失败处理，而非硬错误。
*/
package quality
