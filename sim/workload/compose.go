package workload

import (
	"fmt"
	"sort"
)

// Compose merges workloads into one. Job ids and profile names are prefixed
// with "<workload>_" so that they stay unique; nb_res is the largest of the
// inputs and jobs are ordered by submission date. Inputs are merged in name
// order and must be valid.
func Compose(ws []*Workload) (*Workload, error) {
	if len(ws) == 0 {
		return nil, fmt.Errorf("nothing to compose")
	}
	sorted := make([]*Workload, len(ws))
	copy(sorted, ws)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	out := &Workload{Name: "composed", Profiles: make(map[string]Profile)}
	seen := make(map[string]bool, len(ws))
	for _, w := range sorted {
		if seen[w.Name] {
			return nil, fmt.Errorf("workload %q given twice", w.Name)
		}
		seen[w.Name] = true
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("workload %q: %w", w.Name, err)
		}
		out.NbRes = max(out.NbRes, w.NbRes)

		prefix := w.Name + "_"
		for name, p := range w.Profiles {
			if _, dup := out.Profiles[prefix+name]; dup {
				return nil, fmt.Errorf("profile %q is ambiguous once prefixed", prefix+name)
			}
			out.Profiles[prefix+name] = p
		}
		for _, j := range w.Jobs {
			j.ID = JobName(prefix + string(j.ID))
			j.Profile = prefix + j.Profile
			out.Jobs = append(out.Jobs, j)
		}
	}
	sort.SliceStable(out.Jobs, func(i, j int) bool { return out.Jobs[i].Subtime < out.Jobs[j].Subtime })

	// Prefixed job ids can collide ("a" + "_b_1" vs "a_b" + "_1").
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
