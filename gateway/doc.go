// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package gateway 实现网关的请求治理编排。

每个请求依次经过：请求校验、PII 脱敏、输入护栏、成本预占、
可选的补全缓存、上游调用、输出护栏、精确计费、审计写入与记账。

# 核心入口

  - [Gateway.ChatCompletion]：带护栏与系统提示词的对话补全
  - [Gateway.Chat]：不经护栏的普通对话
  - [Gateway.StreamCompletion]：流式补全，结束后统一校验与计费
  - [Gateway.GenerateDataset]：生成 tool calling 微调样本并落库

审计与记账都是尽力而为：失败只记录日志，不影响已经确定的响应。
*/
package gateway
