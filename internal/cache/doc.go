// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理网关进程共享的 Redis 连接。

# 概述

Manager 启动时 PING 一次确认可用，之后按 HealthInterval 后台探活。
支出账本（budget.RedisLedger）与补全缓存（cache.CompletionCache）通过
Client() 共用同一个客户端，/health 的 redis 检查走 Ping。

探活成功时把连接池快照交给 PoolObserver（服务端接到 db_connections
指标），并读取 INFO：内存占用接近 maxmemory 且存在淘汰策略时告警。
支出计数被淘汰后当日花费会被低估。

# 核心类型

  - Manager：客户端、健康状态与后台探活
  - Config：地址、认证、连接池与探活间隔
  - ServerInfo：INFO 中的命中数、键数量、内存水位与淘汰策略
*/
package cache
