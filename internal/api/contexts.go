// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the context catalog endpoint (/api/v2/contexts):
// it walks the configured cluster topology and the live storage tree to
// answer "what metrics, on what hosts, are available to query" and
// optionally full-text searches across them (spec.md §6).
package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/netquery/tsquery/internal/config"
	"github.com/netquery/tsquery/pkg/metricstore"
)

// ContextsRequest is the wire shape of a context-listing query (spec.md §6
// "Context listing endpoint").
type ContextsRequest struct {
	ScopeNodes    string   `json:"scope_nodes"`
	ScopeContexts string   `json:"scope_contexts"`
	Nodes         string   `json:"nodes"`
	Contexts      string   `json:"contexts"`
	Q             string   `json:"q"`
	Options       []string `json:"options"`
}

func (r ContextsRequest) has(opt string) bool {
	for _, o := range r.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// NodeInfo identifies one matched host.
type NodeInfo struct {
	MachineGUID string `json:"mg"`
	NodeID      string `json:"nd"`
	Hostname    string `json:"nm"`
}

// ContextInfo describes one matched metric context.
type ContextInfo struct {
	Family     string `json:"family"`
	Priority   int    `json:"priority"`
	FirstEntry int64  `json:"first_entry"`
	LastEntry  int64  `json:"last_entry"`
	Live       bool   `json:"live"`
	Match      string `json:"match"`
}

// SearchCounters tallies the full-text search walk.
type SearchCounters struct {
	Strings int `json:"strings"`
	Char    int `json:"char"`
	Total   int `json:"total"`
}

// Timings carries per-phase latency in milliseconds.
type Timings struct {
	PrepMs   int64 `json:"prep_ms"`
	QueryMs  int64 `json:"query_ms"`
	OutputMs int64 `json:"output_ms"`
	TotalMs  int64 `json:"total_ms"`
}

// ContextsResponse is the JSON body of /api/v2/contexts.
type ContextsResponse struct {
	Agent             *NodeInfo               `json:"agent,omitempty"`
	Request           ContextsRequest         `json:"request"`
	Nodes             []NodeInfo              `json:"nodes"`
	Contexts          map[string]*ContextInfo `json:"contexts"`
	Searches          SearchCounters          `json:"searches"`
	ContextsHardHash  string                  `json:"contexts_hard_hash"`
	ContextsSoftHash  string                  `json:"contexts_soft_hash"`
	Timings           Timings                 `json:"timings"`
}

// match enum values, spec.md §6.
const (
	matchHost      = "HOST"
	matchContext   = "CONTEXT"
	matchInstance  = "INSTANCE"
	matchDimension = "DIMENSION"
	matchLabel     = "LABEL"
	matchFamily    = "FAMILY"
	matchTitle     = "TITLE"
	matchUnits     = "UNITS"
	matchNone      = "NONE"
)

// getContexts godoc
// @summary     List available metric contexts
// @tags        contexts
// @description Lists hosts and metric contexts matching the given scope and
// @description selector patterns, optionally full-text searched.
// @accept      json
// @produce     json
// @success     200 {object} ContextsResponse
// @failure     400 {object} ErrorResponse
// @router      /v2/contexts [post]
func (api *RestApi) getContexts(rw http.ResponseWriter, r *http.Request) {
	totalStart := time.Now()

	var req ContextsRequest
	if r.ContentLength > 0 {
		if err := decode(r.Body, &req); err != nil {
			handleError(err, http.StatusBadRequest, rw)
			return
		}
	}
	search := req.Q != "" || req.has("search")
	wantContexts := search || req.has("contexts") || req.Contexts != ""
	wantNodes := req.has("nodes") || req.Nodes != "" || !wantContexts

	prepStart := time.Now()
	ms := metricstore.GetMemoryStore()

	resp := &ContextsResponse{
		Request:  req,
		Nodes:    make([]NodeInfo, 0),
		Contexts: make(map[string]*ContextInfo),
	}

	if req.has("debug") {
		hostname, _ := os.Hostname()
		resp.Agent = &NodeInfo{MachineGUID: hostname, NodeID: hostname, Hostname: hostname}
	}
	prepMs := time.Since(prepStart).Milliseconds()

	queryStart := time.Now()
	for _, cluster := range config.Keys.Clusters {
		if wantNodes {
			for _, host := range ms.ListChildren([]string{cluster.Name}) {
				if !matchPattern(req.ScopeNodes, cluster.Name+"/"+host) || !matchPattern(req.Nodes, host) {
					continue
				}
				resp.Nodes = append(resp.Nodes, NodeInfo{MachineGUID: host, NodeID: host, Hostname: host})
			}
		}

		if !wantContexts {
			continue
		}
		for _, mc := range cluster.MetricConfig {
			if !matchPattern(req.ScopeContexts, cluster.Name+"/"+mc.Name) || !matchPattern(req.Contexts, mc.Name) {
				continue
			}

			match := matchNone
			if search {
				var hit bool
				hit, match, resp.Searches = fullTextSearch(req.Q, cluster.Name, mc, resp.Searches)
				if !hit {
					continue
				}
			}

			mcfg, ok := ms.Metrics[mc.Name]
			ci := &ContextInfo{
				Family: cluster.Name,
				Live:   ok,
				Match:  match,
			}
			if ok {
				if mcfg.Frequency > 0 {
					ci.Priority = int(mcfg.Frequency)
				}
				if src, err := ms.QuerySource([]string{cluster.Name}, mc.Name); err == nil {
					for _, ext := range src.TierExtents() {
						if ext.FirstTimeS == 0 {
							continue
						}
						if ci.FirstEntry == 0 || ext.FirstTimeS < ci.FirstEntry {
							ci.FirstEntry = ext.FirstTimeS
						}
						if ext.LastTimeS > ci.LastEntry {
							ci.LastEntry = ext.LastTimeS
						}
					}
				}
			}
			resp.Contexts[mc.Name] = ci
		}
	}
	queryMs := time.Since(queryStart).Milliseconds()

	outputStart := time.Now()
	resp.ContextsHardHash = hashContextKeys(resp.Contexts, true)
	resp.ContextsSoftHash = hashContextKeys(resp.Contexts, false)
	outputMs := time.Since(outputStart).Milliseconds()

	resp.Timings = Timings{
		PrepMs:   prepMs,
		QueryMs:  queryMs,
		OutputMs: outputMs,
		TotalMs:  time.Since(totalStart).Milliseconds(),
	}

	rw.Header().Set("Content-Type", "application/json")
	writeJSON(rw, resp)
}

// fullTextSearch walks context.id -> family -> title -> units per spec.md
// §6, returning at the first hit.
func fullTextSearch(q, family string, mc *schema.MetricConfig, counters SearchCounters) (bool, string, SearchCounters) {
	q = strings.ToLower(q)
	fields := []struct {
		value string
		match string
	}{
		{mc.Name, matchContext},
		{family, matchFamily},
		{mc.Name, matchTitle},
		{unitString(mc.Unit), matchUnits},
	}

	for _, f := range fields {
		counters.Strings++
		counters.Char += len(f.value)
		if strings.Contains(strings.ToLower(f.value), q) {
			counters.Total++
			return true, f.match, counters
		}
	}
	return false, matchNone, counters
}

func unitString(u schema.Unit) string {
	if u.Prefix != nil && *u.Prefix != "" {
		return *u.Prefix + u.Base
	}
	return u.Base
}

// hashContextKeys summarizes the matched context set so a client can tell
// whether the set (soft hash) or the set plus its metadata (hard hash)
// changed between two calls without diffing the whole response.
func hashContextKeys(contexts map[string]*ContextInfo, hard bool) string {
	keys := make([]string, 0, len(contexts))
	for k := range contexts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		if hard {
			c := contexts[k]
			h.Write([]byte{byte(c.Priority)})
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}
