// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 管理网关的 gorm 连接池。审计日志（llm_logs）、花费账本
（spend_ledger）与数据集（ft_pairs）共用同一个池。

# 核心类型

  - Open / Dialector：按驱动名（postgres、mysql、sqlite、sqlite3）选择
    gorm 方言并建立连接。sqlite 使用纯 Go 驱动，sqlite3 使用 cgo 驱动。
  - PoolManager：应用 PoolConfig，后台探活，连续失败后标记为不健康；
    探活成功时把连接池快照交给 StatsObserver。
  - TransactionFunc：事务回调。

# 事务重试

WithTransactionRetry 借助 llm/retry 的指数退避，在 IsTransientError
判定为瞬时错误时重跑整个事务。判定优先看结构化错误：
PostgreSQL 的 SQLSTATE（pgconn.PgError）与 MySQL 错误号（mysql.MySQLError），
其次是 driver.ErrBadConn 与连接重置，最后按文本识别 sqlite 的 SQLITE_BUSY。
*/
package database
