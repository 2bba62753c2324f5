/*
 * oCloudView Gateway
 * Copyright (C) 2025  oCloudView, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestSize bounds request bodies read by ReadJSON; none of the
// gateway's API payloads come anywhere near it.
const maxRequestSize = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns a JSON-encodable
// result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request and unmarshals it into the passed
// object.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ReplyJSON encodes the given object and writes it with the given HTTP
// status.
func ReplyJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	out, err := json.Marshal(obj)
	if err != nil {
		out = []byte(`{"message":"internal marshal error"}`)
	}
	w.Write(out)
}

// ReplyError converts a trace error into an HTTP status code and writes a
// JSON error envelope.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, errorStatus(err), map[string]interface{}{
		"message": trace.UserMessage(err),
	})
}

func errorStatus(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
