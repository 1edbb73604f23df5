// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 storage 提供网关的持久化模型与仓储。

# 概述

  - LLMLog：每次网关调用的审计记录（llm_logs 表），只保存脱敏后的文本
  - FTPair：数据集生成产出的微调样本（ft_pairs 表）

# 核心类型

  - GormAuditStore：基于 GORM 的审计写入
  - MongoAuditStore：可选的 MongoDB 审计写入
  - DatasetRepository：样本写入、JSONL 导出、统计、质量评分与数据集切分

表结构由 internal/migration 管理，测试中使用 AutoMigrate。
*/
package storage
