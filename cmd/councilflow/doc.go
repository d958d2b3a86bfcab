// Copyright (c) CouncilFlow Authors.
// Licensed under the MIT License.

/*
CouncilFlow 服务入口。

	councilflow serve                       # 启动服务
	councilflow serve --config config.yaml  # 指定配置文件
	councilflow version                     # 显示版本信息
	councilflow health                      # 健康检查

serve 启动两个 HTTP 服务：应用服务（轮次 API 与健康检查）
和 Prometheus 指标服务。
*/
package main
