package config

import (
	"fmt"
	"sort"
)

// Cohort is a named preprocessing preset: where a cohort's patch tarball
// lives and where extracted patches go. These are static file-path presets
// for the upstream extraction step, not part of the training core.
type Cohort struct {
	Name        string
	TarballPath string
	OutputRoot  string
	Remove      bool
}

var cohorts = map[string]Cohort{
	"panda": {
		Name:        "panda",
		TarballPath: "/data/cohorts/panda/patches.tar.gz",
		OutputRoot:  "/data/cohorts/panda/patches",
		Remove:      true,
	},
	"anglita_he_pten_biopsies": {
		Name:        "anglita_he_pten_biopsies",
		TarballPath: "/data/cohorts/anglita_he_pten_biopsies/patches.tar.gz",
		OutputRoot:  "/data/cohorts/anglita_he_pten_biopsies/patches",
		Remove:      false,
	},
	"tcga_prostate": {
		Name:        "tcga_prostate",
		TarballPath: "/data/cohorts/tcga_prostate/patches.tar.gz",
		OutputRoot:  "/data/cohorts/tcga_prostate/patches",
		Remove:      true,
	},
	"ecp": {
		Name:        "ecp",
		TarballPath: "/data/cohorts/ecp/patches.tar.gz",
		OutputRoot:  "/data/cohorts/ecp/patches",
		Remove:      false,
	},
}

// CohortByName looks up a preset.
func CohortByName(name string) (Cohort, error) {
	c, ok := cohorts[name]
	if !ok {
		return Cohort{}, fmt.Errorf("unknown cohort %q (known: %v)", name, CohortNames())
	}
	return c, nil
}

// CohortNames returns the preset names, sorted.
func CohortNames() []string {
	names := make([]string, 0, len(cohorts))
	for name := range cohorts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
