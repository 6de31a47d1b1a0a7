// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
)

type ErrCode string

const (
	ErrUnknownNetwork  ErrCode = "IRC_UNKNOWN_NETWORK"
	ErrUnknownChannel  ErrCode = "IRC_UNKNOWN_CHANNEL"
	ErrUnknownRoom     ErrCode = "IRC_UNKNOWN_ROOM"
	ErrDoubleBridge    ErrCode = "IRC_DOUBLE_BRIDGE"
	ErrExistingMapping ErrCode = "IRC_EXISTING_MAPPING"
	ErrExistingRequest ErrCode = "IRC_EXISTING_REQUEST"
	ErrNotEnoughPower  ErrCode = "IRC_NOT_ENOUGH_POWER"
	ErrBadOpTarget     ErrCode = "IRC_BAD_OPERATOR_TARGET"
	ErrBridgeAtLimit   ErrCode = "IRC_BRIDGE_AT_LIMIT"

	// ErrBadJSON is the Matrix error code used for bodies that fail
	// validation.
	ErrBadJSON ErrCode = "M_BAD_JSON"
)

var statusCodes = map[ErrCode]int{
	ErrUnknownNetwork:  http.StatusNotFound,
	ErrUnknownChannel:  http.StatusNotFound,
	ErrUnknownRoom:     http.StatusNotFound,
	ErrExistingMapping: http.StatusConflict,
	ErrExistingRequest: http.StatusConflict,
	ErrDoubleBridge:    http.StatusConflict,
	ErrNotEnoughPower:  http.StatusForbidden,
	ErrBadOpTarget:     http.StatusBadRequest,
	ErrBridgeAtLimit:   http.StatusInternalServerError,
	ErrBadJSON:         http.StatusBadRequest,
}

// StatusCode is the HTTP status normally returned with c.
func (c ErrCode) StatusCode() int {
	if status, ok := statusCodes[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a provisioning API error.
type Error struct {
	Message    string
	Code       ErrCode
	StatusCode int
	// Extra fields are merged into the JSON body.
	Extra map[string]any
}

// NewError creates an error with the default status code for code.
func NewError(code ErrCode, message string) *Error {
	return &Error{Message: message, Code: code, StatusCode: code.StatusCode()}
}

// WithExtra returns a copy of e carrying additional body fields.
func (e *Error) WithExtra(extra map[string]any) *Error {
	cp := *e
	cp.Extra = maps.Clone(e.Extra)
	if cp.Extra == nil {
		cp.Extra = make(map[string]any, len(extra))
	}
	maps.Copy(cp.Extra, extra)
	return &cp
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error %s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code, so that
// errors.Is(err, NewError(ErrUnknownRoom, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	return errors.As(target, &other) && other.Code == e.Code
}

// JSONBody is the response body: errcode, error and any extra fields.
func (e *Error) JSONBody() map[string]any {
	body := make(map[string]any, len(e.Extra)+2)
	maps.Copy(body, e.Extra)
	body["errcode"] = string(e.Code)
	body["error"] = e.Message
	return body
}

// Write sends e as the response.
func (e *Error) Write(w http.ResponseWriter) {
	status := e.StatusCode
	if status <= 0 {
		status = e.Code.StatusCode()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e.JSONBody())
}

// FromError converts err into an API error. Validation failures become
// M_BAD_JSON; anything that is not already an *Error is reported as a
// generic internal failure.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return NewError(ErrBadJSON, validationErr.Error())
	}
	return &Error{Message: "Internal server error", Code: "M_UNKNOWN", StatusCode: http.StatusInternalServerError}
}
