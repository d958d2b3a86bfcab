// 版权所有 2026 CouncilFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以在 LICENSE 文件中找到。

/*
包 config 提供统一的配置加载。

配置优先级: 默认值 → YAML 文件 → 环境变量

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    WithEnvPrefix("COUNCILFLOW").
	    Load()
*/
package config
