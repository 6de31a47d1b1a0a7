// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package provisioning validates the bodies of room link requests and
// defines the errors returned to provisioning clients.
package provisioning

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	roomIDRegex  = regexp.MustCompile(`^![^!]+$`)
	channelRegex = regexp.MustCompile(`^#([^:\x00-\x1F\s\pZ\x{FEFF},]){1,199}$`)
	serverRegex  = regexp.MustCompile(`^[a-z\.0-9:-]+$`)
	// A key is a single middle parameter: no leading colon (checked
	// separately), no whitespace, no control characters and no commas.
	keyRegex = regexp.MustCompile(`^[^\x00-\x1F\s\pZ\x{FEFF},]*$`)
)

// ValidationError lists every problem found in a request body.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

type validator struct {
	obj      gjson.Result
	problems []string
}

func newValidator(data []byte) (*validator, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ValidationError{Problems: []string{"body is not valid JSON"}}
	}
	obj := gjson.ParseBytes(data)
	if !obj.IsObject() {
		return nil, &ValidationError{Problems: []string{"body must be an object"}}
	}
	return &validator{obj: obj}, nil
}

func (v *validator) fail(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// str returns a required string field, checked against pattern if set.
func (v *validator) str(name string, pattern *regexp.Regexp) string {
	res := v.obj.Get(name)
	switch {
	case !res.Exists():
		v.fail("%s is required", name)
		return ""
	case res.Type != gjson.String:
		v.fail("%s must be a string", name)
		return ""
	case pattern != nil && !pattern.MatchString(res.Str):
		v.fail("%s must match pattern %q", name, pattern.String())
	}
	return res.Str
}

// key returns the optional channel key. Null and absent both mean no key.
func (v *validator) key(name string) *string {
	res := v.obj.Get(name)
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	if res.Type != gjson.String {
		v.fail("%s must be a string or null", name)
		return nil
	}
	if strings.HasPrefix(res.Str, ":") || !keyRegex.MatchString(res.Str) {
		v.fail("%s must not start with ':' or contain whitespace, commas or control characters", name)
		return nil
	}
	key := res.Str
	return &key
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// QueryLinkBody asks for the operators of a channel before linking.
type QueryLinkBody struct {
	RemoteRoomChannel string  `json:"remote_room_channel"`
	RemoteRoomServer  string  `json:"remote_room_server"`
	Key               *string `json:"key"`
}

func ParseQueryLinkBody(data []byte) (*QueryLinkBody, error) {
	v, err := newValidator(data)
	if err != nil {
		return nil, err
	}
	body := &QueryLinkBody{
		RemoteRoomChannel: v.str("remote_room_channel", channelRegex),
		RemoteRoomServer:  v.str("remote_room_server", serverRegex),
		Key:               v.key("key"),
	}
	return body, v.err()
}

// RequestLinkBody requests a link between a Matrix room and a channel,
// approved by the given channel operator.
type RequestLinkBody struct {
	RemoteRoomChannel string  `json:"remote_room_channel"`
	RemoteRoomServer  string  `json:"remote_room_server"`
	MatrixRoomID      string  `json:"matrix_room_id"`
	OpNick            string  `json:"op_nick"`
	Key               *string `json:"key"`
}

func ParseRequestLinkBody(data []byte) (*RequestLinkBody, error) {
	v, err := newValidator(data)
	if err != nil {
		return nil, err
	}
	body := &RequestLinkBody{
		RemoteRoomChannel: v.str("remote_room_channel", channelRegex),
		RemoteRoomServer:  v.str("remote_room_server", serverRegex),
		MatrixRoomID:      v.str("matrix_room_id", roomIDRegex),
		OpNick:            v.str("op_nick", nil),
		Key:               v.key("key"),
	}
	return body, v.err()
}

type UnlinkBody struct {
	RemoteRoomChannel string `json:"remote_room_channel"`
	RemoteRoomServer  string `json:"remote_room_server"`
	MatrixRoomID      string `json:"matrix_room_id"`
}

func ParseUnlinkBody(data []byte) (*UnlinkBody, error) {
	v, err := newValidator(data)
	if err != nil {
		return nil, err
	}
	body := &UnlinkBody{
		RemoteRoomChannel: v.str("remote_room_channel", channelRegex),
		RemoteRoomServer:  v.str("remote_room_server", serverRegex),
		MatrixRoomID:      v.str("matrix_room_id", roomIDRegex),
	}
	return body, v.err()
}

// ListingsParams selects the room whose links are listed.
type ListingsParams struct {
	RoomID string `json:"roomId"`
}

// ParseListingsParams validates path parameters. Only a string room ID is
// accepted, so the value is checked directly.
func ParseListingsParams(roomID string) (*ListingsParams, error) {
	if !roomIDRegex.MatchString(roomID) {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("roomId must match pattern %q", roomIDRegex.String())}}
	}
	return &ListingsParams{RoomID: roomID}, nil
}
