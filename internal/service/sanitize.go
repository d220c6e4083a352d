package service

import (
	"strings"
)

const redacted = "***"

// sanitizer strips what a client must never see from exporter messages: the
// secret and the location of the work directory.
type sanitizer struct {
	secret string
	dir    string
}

func (s *sanitizer) clean(msg string) string {
	var oldnew []string
	if s.dir != "" && s.dir != "/" {
		dir := strings.TrimSuffix(s.dir, "/")
		oldnew = append(oldnew, dir+"/", "", dir, "")
	}
	if s.secret != "" {
		oldnew = append(oldnew, s.secret, redacted)
	}
	if len(oldnew) == 0 {
		return msg
	}
	return strings.NewReplacer(oldnew...).Replace(msg)
}
