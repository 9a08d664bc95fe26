// Package httpclient 提供推理引擎与工具服务器客户端共用的 HTTP 客户端与错误映射。
package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/agenttree/types"
)

// MapHTTPError 将上游 HTTP 状态码映射为带重试标记的 types.Error
func MapHTTPError(status int, msg, service string, code types.ErrorCode) *types.Error {
	text := fmt.Sprintf("%s: %s (status %d)", service, msg, status)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, text).WithHTTPStatus(status)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, text).WithHTTPStatus(status).WithRetryable(true)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return types.NewError(types.ErrInvalidRequest, text).WithHTTPStatus(status)
	case http.StatusNotFound:
		return types.NewError(types.ErrNotFound, text).WithHTTPStatus(status)
	default:
		return types.NewError(code, text).WithHTTPStatus(status).WithRetryable(status >= 500)
	}
}

// ReadErrorMessage 读取响应体中的错误消息，依次尝试 {"error":{"message"}}、
// {"error":"..."}、{"detail":"..."}，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	var flat struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &flat) == nil {
		if flat.Error != "" {
			return flat.Error
		}
		if flat.Detail != "" {
			return flat.Detail
		}
	}
	return string(data)
}
