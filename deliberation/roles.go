package deliberation

// Role 表示 Agent 在一轮讨论中的行为角色。
type Role string

const (
	// RoleDefault 默认贡献者：增量补充
	RoleDefault Role = "default"
	// RoleContrarian 对抗者：采取对立立场
	RoleContrarian Role = "contrarian"
	// RoleSynthesizer 综合者：整合观点并产出结构化决策板
	RoleSynthesizer Role = "synthesizer"
)

// AssignRoles 按发言顺序为面板分配角色。
// 每轮从当前有序 Agent 列表重新推导，结果确定：
//   - 所有 Agent 默认为 RoleDefault；
//   - 顺序最后一位为 RoleSynthesizer；
//   - 面板多于一人且首位不同于 synthesizer 时，首位为 RoleContrarian。
//
// 由此保证面板非空时恰好一个 synthesizer，且同一 Agent 不会
// 同时持有两个角色。
func AssignRoles(agentIDs []string) map[string]Role {
	roles := make(map[string]Role, len(agentIDs))
	for _, id := range agentIDs {
		roles[id] = RoleDefault
	}
	if len(agentIDs) == 0 {
		return roles
	}

	last := agentIDs[len(agentIDs)-1]
	roles[last] = RoleSynthesizer

	if len(agentIDs) > 1 && agentIDs[0] != last {
		roles[agentIDs[0]] = RoleContrarian
	}
	return roles
}

// RoleFor 返回单个 Agent 的角色，未知 Agent 视为默认贡献者。
func RoleFor(roles map[string]Role, agentID string) Role {
	if r, ok := roles[agentID]; ok {
		return r
	}
	return RoleDefault
}

// RequiresDecisionBoard 判断该阶段/角色组合是否要求决策板输出。
// synthesizer 角色始终要求；综合阶段对所有角色要求。
func RequiresDecisionBoard(phase Phase, role Role) bool {
	return role == RoleSynthesizer || phase == PhaseSynthesize
}
