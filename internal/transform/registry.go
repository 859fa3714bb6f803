package transform

import (
	"sort"
	"strings"
	"sync"

	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
)

// Standard transform ids
const (
	IDRemoveBinary    = "xml_remove_binary"
	IDRenderMessage   = "xml_render_message"
	IDRemoveEventData = "xml_remove_event_data"
	IDToJSON          = "xml_to_json"
)

// legacyPrefix is accepted in front of any id for older config files
const legacyPrefix = "winevt_tailer.transforms."

// Env carries what transform factories may bind to
type Env struct {
	Messages provider.MessageFormatter
}

// Definition describes a named transform
type Definition struct {
	ID string
	// Renders is set when the transform turns the tree into the output line
	Renders bool
	New     func(env Env) Func
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Definition{}
)

func init() {
	Register(Definition{ID: IDRemoveBinary, New: static(RemoveBinary)})
	Register(Definition{ID: IDRenderMessage, New: func(env Env) Func { return RenderMessage(env.Messages) }})
	Register(Definition{ID: IDRemoveEventData, New: static(RemoveEventData)})
	Register(Definition{ID: IDToJSON, Renders: true, New: static(ToJSON)})
}

func static(fn Func) func(Env) Func {
	return func(Env) Func { return fn }
}

// Register adds or replaces a transform definition
func Register(def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.ID] = def
}

// Lookup resolves a transform id. Unknown ids are configuration errors.
func Lookup(id string) (Definition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[strings.TrimPrefix(strings.TrimSpace(id), legacyPrefix)]
	if !ok {
		return Definition{}, errs.Config("unknown transform %q", id)
	}
	return def, nil
}

// IDs lists registered transform ids
func IDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build resolves ids to transforms bound to env
func Build(ids []string, env Env) ([]Func, error) {
	funcs := make([]Func, 0, len(ids))
	for _, id := range ids {
		def, err := Lookup(id)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, def.New(env))
	}
	return funcs, nil
}

// CheckChain verifies that every id resolves and that the effective chain
// (channel ids, then shared ids) ends with a rendering transform.
func CheckChain(channelIDs, sharedIDs []string) error {
	chain := append(append([]string{}, channelIDs...), sharedIDs...)
	if len(chain) == 0 {
		return errs.Config("transform chain is empty, %s must be last", IDToJSON)
	}
	var last Definition
	for _, id := range chain {
		def, err := Lookup(id)
		if err != nil {
			return err
		}
		last = def
	}
	if !last.Renders {
		return errs.Config("transform chain must end with a rendering transform such as %s, got %s", IDToJSON, last.ID)
	}
	return nil
}
