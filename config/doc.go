// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package config 提供网关的配置加载与校验。

# 加载顺序

Load 依次合并默认值、YAML 文件（WithFile）和 LLMGW_ 前缀的环境变量。
WithDotEnv 指定的 .env 文件只作为环境变量的补充，进程环境中已有的变量优先，
且不会写回进程环境。OpenRouter 密钥未设置时回退读取 OPENROUTER_API_KEY。

环境变量名由 env 标签逐级拼接，例如 LLMGW_SERVER_HTTP_PORT。列表用逗号分隔，
按推理类型的上限写成 LLMGW_COST_INFERENCE_LIMITS=chat_completion=20,dataset_generation=5。

# 校验

Validate 一次返回全部问题（errors.Join），每一项是带配置路径的 *FieldError。
WithValidation 让 Load 在合并后自动校验。

# 价格热重载

WatchPricing 轮询价格文件内容的 SHA-256，连续两次轮询一致后调用 Reload；
仅修改时间变化不会触发重载。重载失败或文件被删除时保留当前价格。
*/
package config
