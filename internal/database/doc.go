/*
包 database 按配置打开 postgres、mysql 或 sqlite（纯 Go 驱动），
并以 PoolManager 管理连接池。SQL 文档存储与任务锁都建立在这里。

# 核心类型

  - PoolManager：持有 GORM 实例与底层 sql.DB，提供 DB、Ping、Stats、Close 与 Tx。
  - PoolConfig：连接池参数与事务重试参数。
  - PoolStats：连接池快照，由运行时周期性上报为指标。
  - Open / Dialector：按驱动名打开数据库。

# 事务

Tx 在事务中执行回调，死锁、序列化失败、sqlite busy 等瞬时错误由
internal/retry 指数退避后整体重试，其余错误原样返回。
sqlite 强制单连接，写入天然串行。
*/
package database
