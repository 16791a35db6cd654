package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
)

// scriptConstructorSymbol is the exported symbol a script plugin must
// provide: a func() Script used to build one Script instance per run.
const scriptConstructorSymbol = "NewScript"

// ResolveScriptPath applies QUARRY_RESOLVE_FROM (§6) to a script path before
// it's handed to LoadScript. If path is absolute, resolveFrom is empty, or
// path exists as given, it's returned unchanged. Otherwise path is joined
// onto resolveFrom and returned if that joined path exists; if neither
// exists, the original path is returned so LoadScript reports the natural
// error. The single function root runs and fan-out children both funnel
// through, so future changes to plugin path-resolution land in one place.
func ResolveScriptPath(path, resolveFrom string) string {
	if resolveFrom == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	joined := filepath.Join(resolveFrom, path)
	if _, err := os.Stat(joined); err == nil {
		return joined
	}
	return path
}

// LoadScript resolves a Script from a Go plugin (.so) built separately from
// this binary. The plugin must export `func NewScript() executor.Script`.
// This is the executor's equivalent of the dynamic script-module loading a
// scripting-language host would do - Go has no eval, so the unit of dynamic
// loading is a plugin rather than a source file.
func LoadScript(path string) (Script, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load script plugin %q: %w", path, err)
	}

	sym, err := p.Lookup(scriptConstructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("script plugin %q missing %s: %w", path, scriptConstructorSymbol, err)
	}

	ctor, ok := sym.(func() Script)
	if !ok {
		return nil, fmt.Errorf("script plugin %q: %s has wrong signature, want func() executor.Script", path, scriptConstructorSymbol)
	}

	return ctor(), nil
}
