// Copyright (c) agenttree Authors.
// Licensed under the MIT License.

/*
Package types 提供 agenttree 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 hierarchy、executor、
gateway、hitl、api 等上层模块提供统一的错误码与 Context 传播。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - 编排错误构造：NewTaskLockedError / NewDelegationNotAllowedError /
    NewConfirmationTimeoutError / NewHILAlreadyPendingError 等
  - 错误判定：IsCode / IsRetryable / IsFatal

# Context 传播

WithTraceID / WithUserID / WithRoles / WithTaskID / WithNodeID 及对应读取函数。
*/
package types
