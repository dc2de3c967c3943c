// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"os"
	"strings"
)

// DefaultPullPackagesConfig names, per ConfigKey, the package allow-list
// applied to pulled atoms when a ConfigDoc doesn't declare its own
// (spec.md §4.8 "default pull packages").
type DefaultPullPackagesConfig struct {
	ConfigKeys []DefaultPullPackagesEntry `json:"config_keys"`
}

type DefaultPullPackagesEntry struct {
	ConfigKey      string `json:"config_key"`
	DefaultPackages string `json:"default_packages"`
}

// LoadDefaultPullPackagesConfig reads default_pull_packages.json from the
// working directory, if present. A missing file is not an error: callers fall
// back to pulling without a package filter.
func LoadDefaultPullPackagesConfig() (*DefaultPullPackagesConfig, error) {
	filePath := "default_pull_packages.json"
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var cfg DefaultPullPackagesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParsePackageList splits a comma-separated package list, trimming
// whitespace and dropping empty entries.
func ParsePackageList(s string) []string {
	parts := strings.Split(s, ",")
	var packages []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			packages = append(packages, trimmed)
		}
	}
	return packages
}
