package schema

import "fmt"

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=2 means 150.25 is stored as 15025.
type Scale int32

// ScaleSpec defines scaling for the numeric fields of a symbol.
type ScaleSpec struct {
	PriceScale    Scale `json:"priceScale"`
	QuantityScale Scale `json:"quantityScale"`
}

// SymbolID is the numeric identifier for a symbol. Zero is invalid.
type SymbolID uint32

// Symbol describes a tradable instrument.
type Symbol struct {
	ID    SymbolID
	Name  string
	Scale ScaleSpec
}

// Registry stores the symbol universe in a compact form.
// It is built once at startup and read-only afterwards.
type Registry struct {
	symbols      []Symbol
	symbolByName map[string]SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		symbolByName: make(map[string]SymbolID),
	}
}

// AddSymbol registers a new symbol and returns its ID.
func (r *Registry) AddSymbol(name string, scale ScaleSpec) (SymbolID, error) {
	if name == "" {
		return 0, fmt.Errorf("symbol name is empty")
	}
	if scale.PriceScale < 0 || scale.QuantityScale < 0 {
		return 0, fmt.Errorf("symbol %s: scale must be >= 0", name)
	}
	if id, ok := r.symbolByName[name]; ok {
		return id, fmt.Errorf("symbol already exists: %s", name)
	}
	id := SymbolID(len(r.symbols) + 1)
	r.symbols = append(r.symbols, Symbol{
		ID:    id,
		Name:  name,
		Scale: scale,
	})
	r.symbolByName[name] = id
	return id, nil
}

// Symbol returns the symbol by ID.
func (r *Registry) Symbol(id SymbolID) (Symbol, bool) {
	if r == nil || id == 0 || int(id) > len(r.symbols) {
		return Symbol{}, false
	}
	return r.symbols[id-1], true
}

// Has reports whether id is a known symbol.
func (r *Registry) Has(id SymbolID) bool {
	return r != nil && id != 0 && int(id) <= len(r.symbols)
}

// SymbolCount returns the number of symbols in the registry.
func (r *Registry) SymbolCount() int {
	if r == nil {
		return 0
	}
	return len(r.symbols)
}

// SymbolAt returns the symbol by zero-based index.
func (r *Registry) SymbolAt(index int) (Symbol, bool) {
	if r == nil || index < 0 || index >= len(r.symbols) {
		return Symbol{}, false
	}
	return r.symbols[index], true
}

// SymbolIDByName returns the symbol ID for a name.
func (r *Registry) SymbolIDByName(name string) (SymbolID, bool) {
	if r == nil {
		return 0, false
	}
	id, ok := r.symbolByName[name]
	return id, ok
}

// Resolve maps symbol names to IDs. No names selects every symbol.
func (r *Registry) Resolve(names []string) ([]SymbolID, error) {
	if len(names) == 0 {
		ids := make([]SymbolID, r.SymbolCount())
		for i := range ids {
			ids[i] = SymbolID(i + 1)
		}
		return ids, nil
	}
	ids := make([]SymbolID, 0, len(names))
	for _, name := range names {
		id, ok := r.SymbolIDByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown symbol %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
