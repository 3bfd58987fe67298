// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package cleanup

import (
	"encoding/json"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

// Action taken (or planned) for one swept entry.
type Action string

const (
	ActionPreviewed Action = "previewed"
	ActionRemoved   Action = "removed"
	ActionSkipped   Action = "skipped"
	ActionError     Action = "error"
)

// Entry is one path the sweep considered.
type Entry struct {
	Path   string `json:"path"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Report summarizes a sweep. Key order is stable for manifest diffing.
type Report struct {
	Removed int     `json:"removed"`
	Skipped int     `json:"skipped"`
	Errors  int     `json:"errors"`
	Entries []Entry `json:"entries"`
}

func (r *Report) add(e Entry) {
	switch e.Action {
	case ActionRemoved:
		r.Removed++
	case ActionSkipped:
		r.Skipped++
	case ActionError:
		r.Errors++
	}
	r.Entries = append(r.Entries, e)
}

// PartialSuccess reports a sweep that removed some entries but hit per-entry
// errors. It is distinct from fatal failure.
func (r *Report) PartialSuccess() bool {
	return r.Errors > 0 && r.Removed > 0
}

// WriteManifest persists the report as one JSON object at path.
func (r *Report) WriteManifest(fs billy.Filesystem, path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing cleanup report")
	}
	if err := util.WriteFile(fs, path, append(b, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "writing cleanup manifest")
	}
	return nil
}
