// Package channel implements notification delivery for violations.
// A channel's Send reports success as a boolean and never raises:
// network, authentication, and serialization failures are logged and
// reported as false so delivery trouble cannot reach the scan loop.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/alert"
)

// AlertChannel delivers one violation to one destination.
type AlertChannel interface {
	Name() string
	Type() string
	Send(ctx context.Context, v *alert.Violation) bool
}

// httpClient is shared by all HTTP-backed channels. Separate from
// http.DefaultClient to keep timeouts and redirect policy local.
var httpClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

type factory struct {
	build func(name string, node *yaml.Node) (AlertChannel, error)
	keys  []string
}

var registry = map[string]factory{}

func register(typ string, keys []string, build func(string, *yaml.Node) (AlertChannel, error)) {
	registry[typ] = factory{build: build, keys: keys}
}

// New builds a channel of the given type from its config node.
func New(typ, name string, node *yaml.Node) (AlertChannel, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("alert channel %q: unknown type %q", name, typ)
	}
	warnUnknownFields(name, node, f.keys)
	return f.build(name, node)
}

func warnUnknownFields(name string, node *yaml.Node, known []string) {
	if node == nil {
		return
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	for k := range raw {
		if k != "type" && !set[k] {
			slog.Warn("alert channel config: unrecognized field", "channel", name, "field", k)
		}
	}
}

// expandEnv resolves ${VAR} strings from the environment at send time,
// leaving the literal untouched when the variable is absent. Values are
// never written back into the config.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if v, ok := os.LookupEnv(s[2 : len(s)-1]); ok {
		return v
	}
	return s
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
