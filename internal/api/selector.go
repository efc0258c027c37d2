// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the simple-pattern matching spec.md §6 requires for
// the context-listing endpoint's scope/selector strings: wildcards (`*`,
// `?`) and comma-separated disjunctions with per-term negation (`!term`).
// pkg/metricstore's own util.Selector only understands exact/group/wildcard
// matches against a single path element, so glob expansion happens here,
// one level above the storage tree.
package api

import "path/filepath"

// matchPattern reports whether s matches pattern, a comma-separated list of
// filepath.Match-style globs where a leading '!' negates that term. A term
// list matches if at least one positive term matches and no negative term
// matches; an empty or "*" pattern always matches.
func matchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	terms := splitTerms(pattern)
	matchedPositive := false
	hasPositive := false
	for _, term := range terms {
		neg := false
		if len(term) > 0 && term[0] == '!' {
			neg = true
			term = term[1:]
		}
		ok, _ := filepath.Match(term, s)
		if neg {
			if ok {
				return false
			}
			continue
		}
		hasPositive = true
		if ok {
			matchedPositive = true
		}
	}
	return !hasPositive || matchedPositive
}

func splitTerms(pattern string) []string {
	terms := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == ',' {
			terms = append(terms, pattern[start:i])
			start = i + 1
		}
	}
	terms = append(terms, pattern[start:])
	return terms
}
