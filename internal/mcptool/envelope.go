// Package mcptool defines the tool invocation envelope the AI-facing
// surface speaks, plus the HTTP adapter that extracts the caller's
// identity and dispatches tool calls.
package mcptool

import (
	"errors"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
)

// ContentBlock is one piece of tool output; only text blocks exist today.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the structured envelope every tool call returns.
type Result struct {
	IsError bool                   `json:"is_error"`
	Content []ContentBlock         `json:"content"`
	Meta    map[string]interface{} `json:"_meta,omitempty"`
}

// OK builds a success envelope.
func OK(text string, meta map[string]interface{}) *Result {
	return &Result{
		Content: []ContentBlock{{Type: "text", Text: text}},
		Meta:    meta,
	}
}

// Fail builds an error envelope with a stable machine-readable code in
// _meta. Only the taxonomy message is surfaced — wrapped causes may
// carry transport detail that does not belong in user output.
func Fail(err error) *Result {
	code := "INTERNAL"
	message := "internal error"
	var cerr *ccerrors.Error
	if errors.As(err, &cerr) {
		code = string(cerr.Kind)
		message = cerr.Message
	}
	return &Result{
		IsError: true,
		Content: []ContentBlock{{Type: "text", Text: message}},
		Meta:    map[string]interface{}{"code": code},
	}
}

// Failf builds an error envelope directly from a kind and message.
func Failf(kind ccerrors.Kind, message string) *Result {
	return &Result{
		IsError: true,
		Content: []ContentBlock{{Type: "text", Text: message}},
		Meta:    map[string]interface{}{"code": string(kind)},
	}
}
