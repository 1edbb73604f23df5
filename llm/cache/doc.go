/*
包 cache 提供对话补全结果的 Redis 缓存。

缓存键由模型、脱敏后的消息与采样参数的 SHA-256 摘要构成，
同一进程内对同一键的并发未命中通过 singleflight 合并为一次上游调用。
*/
package cache
