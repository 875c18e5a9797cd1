package models

import (
	"sort"
	"sync"
)

var (
	presetsMu sync.RWMutex
	presets   = map[ModelFamily]ClassNames{
		ModelFamilyCOCO: COCOClasses,
		ModelFamilyVOC:  PascalVOCClasses,
	}
)

// RegisterPreset makes a class table available by name to LoadClassNames.
//
// Arguments:
//   - family: The preset name.
//   - names: The class table; it is copied.
func RegisterPreset(family ModelFamily, names ClassNames) {
	presetsMu.Lock()
	defer presetsMu.Unlock()
	presets[family] = append(ClassNames(nil), names...)
}

// Preset returns a built-in or registered class table.
func Preset(family ModelFamily) (ClassNames, bool) {
	presetsMu.RLock()
	defer presetsMu.RUnlock()
	names, ok := presets[family]
	return names, ok
}

// Presets lists the registered preset names.
func Presets() []ModelFamily {
	presetsMu.RLock()
	defer presetsMu.RUnlock()

	families := make([]ModelFamily, 0, len(presets))
	for f := range presets {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
	return families
}
