package skill

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const uriPrefix = "knirv://skill/"

// LoadSeeds reads seed manifests from dir. Every *.json file holds one skill
// object or an array of them; files are read in name order. A missing dir
// yields no seeds.
func LoadSeeds(dir string) ([]*Skill, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("seed pattern in %s: %w", dir, err)
	}
	sort.Strings(paths)

	var seeds []*Skill
	origin := make(map[string]string) // uri -> file
	for _, path := range paths {
		batch, err := readManifest(path)
		if err != nil {
			return nil, err
		}
		for _, s := range batch {
			if prev, dup := origin[s.URI]; dup {
				return nil, fmt.Errorf("%s: %s already seeded by %s", filepath.Base(path), s.URI, filepath.Base(prev))
			}
			origin[s.URI] = path
			seeds = append(seeds, s)
		}
	}
	return seeds, nil
}

func readManifest(path string) ([]*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}

	var batch []*Skill
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &batch)
	} else {
		var one Skill
		err = json.Unmarshal(data, &one)
		batch = []*Skill{&one}
	}
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", filepath.Base(path), err)
	}

	for i, s := range batch {
		if !strings.HasPrefix(s.URI, uriPrefix) || len(s.URI) == len(uriPrefix) {
			return nil, fmt.Errorf("seed %s entry %d: uri %q is not a %s address", filepath.Base(path), i, s.URI, uriPrefix)
		}
		s.Source = SourcePlugin
		s.Digests = normalizeDigests(s.Digests)
	}
	return batch, nil
}

// normalizeDigests lowercases, trims and dedupes hex digests.
func normalizeDigests(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
