// Package api 暴露运行历史查询与健康检查接口，供运维人员在 serve 模式下查看
// 最近的运行结果，并提供 Prometheus 抓取入口。
package api
