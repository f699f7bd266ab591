package source

import (
	"os"
	"strings"
)

// ExpandEnv resolves values of the form ${VAR} from the process
// environment at use time. Anything else, including a ${VAR} whose
// variable is unset, is returned unchanged. Expansion never mutates the
// config the value came from.
func ExpandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if v, ok := os.LookupEnv(s[2 : len(s)-1]); ok {
		return v
	}
	return s
}
