// Package auth 校验 API 请求携带的 HS256 令牌，并把调用方账户写入上下文。
package auth
