// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理网关的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite 三种方言。

# 表

  - llm_logs：每次请求的审计记录，提示词与响应均为脱敏后文本
  - spend_ledger：按凭证哈希记录的花费流水，用于每日上限
  - ft_pairs：数据集生成产出的提示词/输出对

# 使用方式

NewMigrator 按连接串自行建连；NewMigratorWithDB 复用服务的连接池，
Close 时不会关闭传入的连接。AutoMigrate 在 database.auto_migrate
开启时由 serve 调用。CLI 为 llmgateway migrate 子命令提供
up/down/steps/goto/force/status/info 的终端输出。
*/
package migration
