// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/grahamc/r13y/internal/messages"
)

// parseSubsetFlags turns the repeated -s/--subset flag values into a
// [messages.BuildRequest] subsets map. Each value is either a bare
// subset name ("nixpkgs", "nixos") meaning every attribute in it, or
// subset:dotted.attr.path to request one specific attribute. The same
// subset may be named more than once to request several attributes
// from it.
func parseSubsetFlags(raw []string) (map[messages.Subset][]messages.Attr, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one -s/--subset is required")
	}

	result := make(map[messages.Subset][]messages.Attr)
	for _, v := range raw {
		name, attrPath, hasAttr := strings.Cut(v, ":")
		subset, err := messages.ParseSubset(name)
		if err != nil {
			return nil, fmt.Errorf("parse -s %q: %w", v, err)
		}
		if !hasAttr {
			if _, exists := result[subset]; !exists {
				result[subset] = nil
			}
			continue
		}
		attr := messages.Attr(strings.Split(attrPath, "."))
		result[subset] = append(result[subset], attr)
	}
	return result, nil
}
