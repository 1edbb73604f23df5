// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理网关 HTTP 监听端口的生命周期。

serve 命令创建两个 Manager：主端口承载 /chat、/datasets 等业务路由，
指标端口暴露 /metrics（metrics_port 为 0 时不创建）。Start 同步完成
监听后在后台服务，Addr 返回实际地址，测试可使用随机端口。

Await 等待 SIGINT/SIGTERM、ctx 取消或任一 Manager 异常退出；
Shutdown 按传入顺序排空在途请求（包括 SSE 与 WebSocket 流），
超时后强制断开。资源释放顺序由调用方决定。
*/
package server
