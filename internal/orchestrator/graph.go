// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package orchestrator

// Layer is one rung of an execution plan: every slug in it may run as soon
// as all earlier layers have settled.
type Layer struct {
	Layer int      `json:"layer"`
	Slugs []string `json:"slugs"`
}

// BuildLayers arranges slugs into Kahn layers. deps[s] lists the slugs s
// depends on; references outside the slug set are ignored, since a
// dependency that is not part of the run cannot order it. Slug order inside
// a layer follows the submitted order, which keeps plans deterministic.
//
// When no progress can be made but slugs remain, those slugs come back as
// leftover: a dependency cycle the caller turns into an error.
func BuildLayers(slugs []string, deps map[string][]string) (layers []Layer, leftover []string) {
	inRun := make(map[string]struct{}, len(slugs))
	for _, s := range slugs {
		inRun[s] = struct{}{}
	}
	placed := make(map[string]struct{}, len(slugs))
	remaining := len(slugs)

	for remaining > 0 {
		var ready []string
		for _, s := range slugs {
			if _, done := placed[s]; done {
				continue
			}
			ok := true
			for _, d := range deps[s] {
				if _, relevant := inRun[d]; !relevant {
					continue
				}
				if _, done := placed[d]; !done {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 {
			for _, s := range slugs {
				if _, done := placed[s]; !done {
					leftover = append(leftover, s)
				}
			}
			return layers, leftover
		}
		layers = append(layers, Layer{Layer: len(layers), Slugs: ready})
		for _, s := range ready {
			placed[s] = struct{}{}
		}
		remaining -= len(ready)
	}
	return layers, nil
}
