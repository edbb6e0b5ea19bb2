// Package commands 定义 tokenswarm 命令行，并在子命令运行前完成配置与日志的初始化。
//
// 子命令
//
//   - run                完整执行一次工作流：生成账户、注资、部署、购买、审计
//   - accounts generate  只生成子账户并写入账户记录文件
//   - audit              读取已保存的账户与部署记录，重新审计余额
//   - serve              启动运行历史查询 API 与 /metrics
//   - chain              打印已配置链的概况
package commands
