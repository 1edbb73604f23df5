// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 budget 提供按凭证哈希计费的每日花费控制。

# 概述

每次请求的成本由模型价格表与 token 数计算，金额使用 decimal 精确运算，
只在展示边界转换为浮点。花费以追加方式写入账本，
每日花费为当天 UTC 零点之后该凭证所有账本行之和。

# 核心接口

  - [PricingTable]：模型到每千 token 输入/输出价格的映射，未知模型使用保守默认价
  - [SpendLedger]：追加写入与按时间聚合的账本接口
  - [MemoryLedger] / [GormLedger] / [RedisLedger]：账本实现
  - [CostLimiter]：成本计算、每日花费查询、准入判断、记账
  - [Reservation]：调用上游前预占估算成本，提交或释放

# 准入语义

当前花费 + 预占 + 估算成本 >= 限额 时拒绝，恰好达到限额也拒绝。
账本查询失败时按 0 处理并记录错误日志，优先可用性。
记账失败只记录日志，不影响已完成的响应。

预占只在单进程内串行化同一凭证的检查与预占；
多实例部署时仍可能短暂超出限额。
*/
package budget
