package modules

import "sort"

// Snapshot is the cached catalog payload stored under the "modules" key.
type Snapshot struct {
	Modules           []Family            `json:"modules"`
	ModulesByCategory map[string][]Family `json:"modules_by_category"`
	CategoryOrder     []string            `json:"category_order"`
	UniqueCount       int                 `json:"unique_count"`
}

// BuildSnapshot orders families by category (Misc last) then name, and
// groups them for display.
func BuildSnapshot(families []Family) Snapshot {
	cats := make([]string, 0, len(families))
	for _, f := range families {
		cats = append(cats, f.Category)
	}
	order := CategoryOrder(cats)
	index := make(map[string]int, len(order))
	for i, c := range order {
		index[c] = i
	}

	mods := append([]Family(nil), families...)
	sort.SliceStable(mods, func(i, j int) bool {
		ci, cj := index[mods[i].Category], index[mods[j].Category]
		if ci != cj {
			return ci < cj
		}
		return mods[i].Name < mods[j].Name
	})

	byCat := make(map[string][]Family, len(order))
	for _, m := range mods {
		byCat[m.Category] = append(byCat[m.Category], m)
	}

	return Snapshot{
		Modules:           mods,
		ModulesByCategory: byCat,
		CategoryOrder:     order,
		UniqueCount:       len(mods),
	}
}
