package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a CUE validation error reduced to what an operator needs
// to fix the configuration file.
type CueErrorDetail struct {
	Path    string // service.port
	Code    string // unknown_field | missing_required | conflicting_values | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Message)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|invalid value`)
)

// CueErrDetails flattens an error returned by LoadConfig. Errors of other
// origins yield a single validation_error detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		key := path + "\x00" + code
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
		})
	}
	if len(out) == 0 {
		out = append(out, CueErrorDetail{Code: "validation_error", Message: err.Error()})
	}
	return out
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" || r.Filename() == "config.cue" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", path)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("conflicting values for %s: %s", path, raw)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type or value: %s", path, raw)
	default:
		return "validation_error", fmt.Sprintf("%s: %s", path, raw)
	}
}
