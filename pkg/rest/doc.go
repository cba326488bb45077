// Package rest is the request pipeline shared by every generated endpoint.
//
// A Handler wraps a Resource and runs each call through the same ordered steps:
//
//	Step             | Failure
//	-----------------|--------------------------------------------------
//	auth             | 401 when strict, logged otherwise
//	before_request   | stops the request
//	Validate         | ValidationError 400, NotFoundError 404
//	Request          | constraint violations 400, anything else 500
//	before_response  | stops the request
//	write            | X-Request-Id is always set
//	after_response   | runs after the write, errors are logged and dropped
//	audit flush      | runs after after_response, errors are logged and dropped
//
// Error bodies are {"code": <status>, "description": <message or field map>}. A 500 never
// carries details; they go to the error logger with the request id.
package rest
