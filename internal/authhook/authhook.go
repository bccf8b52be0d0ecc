// Package authhook dynamically loads an operator-supplied httpd.AuthHook
// from a Go plugin, so a deployment can layer its own token broker or
// mTLS identity check on top of the daemon's built-in token check without
// forking agentdeviced.
package authhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"plugin"

	"github.com/agent-device/agentdeviced/internal/pipeline"
	"github.com/agent-device/agentdeviced/internal/transport/httpd"
)

// Load opens the plugin at path and resolves export as an httpd.AuthHook.
// export may name either a variable of type httpd.AuthHook or a function
// matching its signature directly; both forms are accepted since operators
// building a plugin will naturally reach for whichever is more convenient.
func Load(path, export string) (httpd.AuthHook, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening auth hook plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(export)
	if err != nil {
		return nil, fmt.Errorf("looking up export %s in %s: %w", export, path, err)
	}

	switch hook := sym.(type) {
	case httpd.AuthHook:
		return hook, nil
	case *httpd.AuthHook:
		return *hook, nil
	case func(http.Header, string, json.RawMessage, pipeline.Request) httpd.AuthResult:
		return httpd.AuthHook(hook), nil
	default:
		return nil, fmt.Errorf("export %s in %s does not match httpd.AuthHook's signature (%T)", export, path, sym)
	}
}
