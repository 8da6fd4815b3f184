package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

var logger = NewLogger()

// HandlerError is returned by HTTP handlers which want a specific status code and a JSON
// error body to be sent back to the client.
type HandlerError struct {
	StatusCode int
	Err        error
	// ErrCode is a machine readable code e.g "missing_params"
	ErrCode string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err  string `json:"error"`
	Code string `json:"errcode,omitempty"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{
		Err:  e.Error(),
		Code: e.ErrCode,
	}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and RELAY_DEBUG=1 then the program panics.
// If expr is false and RELAY_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should only verify invariants which can never be broken during normal functioning of
// the relay, e.g a connection being registered under a project it did not authenticate for.
// Network errors and bad client input are not assertion failures.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("project id is not empty", projectID != "")
//
// Which then produces:
//
//	assertion failed: project id is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("RELAY_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
