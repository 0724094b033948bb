package session

import (
	"fmt"
	"strings"
	"time"
)

// FileName expands the %Y %m %d %H %M %S directives in pattern from t,
// appends ext and replaces every character outside [A-Za-z0-9_.-] with '_'.
func FileName(pattern string, t time.Time, ext string) string {
	r := strings.NewReplacer(
		"%Y", fmt.Sprintf("%04d", t.Year()),
		"%m", fmt.Sprintf("%02d", int(t.Month())),
		"%d", fmt.Sprintf("%02d", t.Day()),
		"%H", fmt.Sprintf("%02d", t.Hour()),
		"%M", fmt.Sprintf("%02d", t.Minute()),
		"%S", fmt.Sprintf("%02d", t.Second()),
	)
	name := r.Replace(pattern)
	if ext != "" {
		name += "." + ext
	}
	return sanitize(name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, s)
}
