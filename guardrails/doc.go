// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 guardrails 为网关提供请求输入与模型输出的安全防护能力。

# 概述

guardrails 在调用上游模型前后对文本做策略检查：个人信息脱敏、
话题范围、提示词注入、输出格式与密钥泄露。所有 Guard 只依赖预编译的
只读正则，可被任意数量的并发请求共享。

# 核心接口

  - Guard：唯一能力 Validate(ctx, text, metadata) ValidationResult
  - ValidationResult：IsValid / Reason / Score（0 最严重，1.0 表示无问题）
  - Violation：链在某个 Guard 失败时生成，按注册顺序排列

# 内置组件

  - PIIMasker：CPF / CNPJ / 邮箱 / 电话 检测与脱敏，固定顺序执行
  - TopicValidator：允许 / 禁止话题，子串匹配，禁止列表优先
  - InjectionDetector：有序模式表 + 编码异常检测，可选严格模式
  - OutputValidator：text / json / json_array 形状校验、泄露检测、
    Sanitize、ExtractJSONFromText、ValidateToolCalls
  - GuardrailChain：输入 / 输出两阶段，fail-fast 或 collect-all

# 预设

NewDefaultChain、NewFinancialChain、NewDatasetGenerationChain 只是配置组合，
不引入新的算法。
*/
package guardrails
