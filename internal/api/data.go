// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the data query endpoint (/api/v1/data, /api/v2/data):
// it decodes the wire request into a queryengine.EngineRequest, resolves
// each requested dimension to a pkg/metricstore-backed MetricSource, and
// projects the resulting ResultMatrix back to JSON.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/netquery/tsquery/pkg/metricstore"
	"github.com/netquery/tsquery/pkg/queryengine"
	"github.com/netquery/tsquery/pkg/resampler"
	"github.com/netquery/tsquery/pkg/units"
)

// DataRequest is the wire shape of a data query (spec.md §6 "Data query
// endpoint"): window, grouping, dimension selection, cross-dimension
// grouping, and option bits.
type DataRequest struct {
	Cluster  string   `json:"cluster"`
	Selector []string `json:"selector"`
	Dimensions []string `json:"dimensions"`

	After  int64 `json:"after"`
	Before int64 `json:"before"`
	Points int64 `json:"points"`

	Group        string `json:"group"`
	GroupOptions string `json:"group-options"`

	ResamplingTime int64 `json:"resampling-time"`
	Tier           int   `json:"tier"`
	TimeoutSeconds int64 `json:"timeout"`

	GroupBy         []string `json:"group_by"`
	GroupByLabel    []string `json:"group_by_label"`
	GroupByFunction string   `json:"group_by_function"`

	// ChartPoints, if set below the number of rows the engine produced,
	// downsamples the response for chart display (spec.md's out-of-scope
	// "HTTP/JSON result formatter" line places this in the response layer,
	// not the engine).
	ChartPoints int64 `json:"chart_points"`
	// Resample selects the chart-decimation algorithm: "lttb" (default)
	// preserves visual shape via largest-triangle-three-bucket, "simple"
	// picks every Nth row.
	Resample string `json:"resample"`

	Options []string `json:"options"`
}

// DataResponse is the JSON projection of a queryengine.ResultMatrix.
type DataResponse struct {
	Labels []string    `json:"labels"`
	Units  []string    `json:"units"`
	Data   [][]float64 `json:"data"`
	Flags  [][]int     `json:"flags,omitempty"`

	After        int64   `json:"after"`
	Before       int64   `json:"before"`
	Rows         int     `json:"rows"`
	TrimmedAfter int64   `json:"trimmed_after,omitempty"`
	Cancelled    bool    `json:"cancelled"`
	ViewMin      float64 `json:"view_min"`
	ViewMax      float64 `json:"view_max"`
}

var groupByFacets = map[string]queryengine.GroupByFacet{
	"selected":  queryengine.GroupBySelected,
	"dimension": queryengine.GroupByDimension,
	"instance":  queryengine.GroupByInstance,
	"label":     queryengine.GroupByLabel,
	"node":      queryengine.GroupByNode,
	"context":   queryengine.GroupByContext,
	"units":     queryengine.GroupByUnits,
}

var groupByAggregates = map[string]queryengine.AggregateFunc{
	"avg": queryengine.AggAvg,
	"sum": queryengine.AggSum,
	"min": queryengine.AggMin,
	"max": queryengine.AggMax,
}

// emptySource stands in for a dimension whose metric name or selector does
// not resolve to any stored data. The planner fails to build a plan against
// it (no tier has a usable extent) and the column comes back Failed, which
// is the *no-data* taxonomy entry of spec.md §7: the overall query still
// succeeds.
type emptySource struct{}

func (emptySource) TierExtents() []queryengine.TierExtent { return nil }
func (emptySource) OpenIterator(int) (queryengine.StorageIterator, error) {
	return nil, metricstore.ErrNoData
}

// getData godoc
// @summary     Query time-series data
// @tags        data
// @description Runs a windowed, tier-planned query over one or more metric
// @description dimensions and returns the resulting bucketed matrix.
// @accept      json
// @produce     json
// @success     200 {object} DataResponse
// @failure     400 {object} ErrorResponse
// @router      /v1/data [post]
func (api *RestApi) getData(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := r.URL.Path

	var req DataRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(err, http.StatusBadRequest, rw)
		return
	}
	if len(req.Dimensions) == 0 {
		handleError(errors.New("at least one dimension is required"), http.StatusBadRequest, rw)
		return
	}

	ms := metricstore.GetMemoryStore()
	selector := append([]string{req.Cluster}, req.Selector...)

	opts := queryengine.OptionSet(0)
	normalizeUnits := false
	for _, o := range req.Options {
		switch o {
		case "natural_points":
			opts |= queryengine.OptionNaturalPoints
		case "selected_tier":
			opts |= queryengine.OptionSelectedTier
		case "anomaly_bit":
			opts |= queryengine.OptionAnomalyBit
		case "null2zero":
			opts |= queryengine.OptionNull2Zero
		case "absolute":
			opts |= queryengine.OptionAbsolute
		case "return_raw":
			opts |= queryengine.OptionReturnRaw
		case "aligned":
			opts |= queryengine.OptionAligned
		case "percentage":
			opts |= queryengine.OptionPercentage
		case "normalize_units":
			normalizeUnits = true
		}
	}

	tier := req.Tier
	if tier == 0 {
		tier = -1
	}

	metrics := make([]queryengine.MetricQuery, len(req.Dimensions))
	for i, dim := range req.Dimensions {
		var source queryengine.MetricSource
		src, err := ms.QuerySource(selector, dim)
		if err != nil {
			source = emptySource{}
		} else {
			source = src
		}

		var facets queryengine.MetricFacets
		facets.Dimension = dim
		if len(selector) > 1 {
			facets.Node = selector[1]
		}
		facets.Context = dim

		metrics[i] = queryengine.MetricQuery{
			Source:          source,
			ID:              dim,
			Name:            dim,
			GroupingMethod:  req.Group,
			GroupingOptions: req.GroupOptions,
			Facets:          facets,
		}
	}

	var groupBy queryengine.GroupBySpec
	for _, g := range req.GroupBy {
		groupBy.Facets |= groupByFacets[g]
	}
	if len(req.GroupByLabel) > 0 {
		groupBy.Facets |= queryengine.GroupByLabel
		groupBy.LabelKeys = req.GroupByLabel
	}
	if fn, ok := groupByAggregates[req.GroupByFunction]; ok {
		groupBy.Aggregate = fn
	}
	groupBy.NullToZero = opts&queryengine.OptionNull2Zero != 0
	groupBy.Absolute = opts&queryengine.OptionAbsolute != 0
	groupBy.ReturnRaw = opts&queryengine.OptionReturnRaw != 0

	engineReq := queryengine.EngineRequest{
		Window: queryengine.WindowRequest{
			After:          req.After,
			AfterSpecified: req.After != 0,
			Before:         req.Before,
			Points:         req.Points,
			ResamplingTime: req.ResamplingTime,
			Options:        opts,
			ForcedTier:     tier,
			Now:            time.Now().Unix(),
		},
		Metrics:       metrics,
		GroupBy:       groupBy,
		WorkerThreads: metricstore.Keys.NumWorkers,
	}

	ctx := r.Context()
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := queryengine.Query(ctx, engineReq, func() bool { return ctx.Err() != nil })
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		handleError(err, status, rw)
		return
	}

	resp := toDataResponse(result)
	if normalizeUnits {
		normalizeResponseUnits(resp)
	}
	if req.ChartPoints > 0 && req.ChartPoints < int64(resp.Rows) {
		if err := downsampleResponse(resp, req.ChartPoints, req.Resample); err != nil {
			handleError(err, http.StatusBadRequest, rw)
			return
		}
	}
	queryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	queryDimensions.WithLabelValues(endpoint).Observe(float64(len(req.Dimensions)))
	if resp.Cancelled {
		queryCancelledTotal.WithLabelValues(endpoint).Inc()
	}

	rw.Header().Set("Content-Type", "application/json")
	writeJSON(rw, resp)
}

func toDataResponse(r *queryengine.ResultMatrix) *DataResponse {
	resp := &DataResponse{
		Labels:       make([]string, r.Cols),
		Units:        make([]string, r.Cols),
		Data:         make([][]float64, r.Rows),
		After:        r.After,
		Before:       r.Before,
		Rows:         r.Rows,
		TrimmedAfter: r.TrimmedAfter,
		Cancelled:    r.ResultFlags&queryengine.FlagCancel != 0,
		ViewMin:      r.ViewMin,
		ViewMax:      r.ViewMax,
	}

	for j, col := range r.Columns {
		if col == nil {
			continue
		}
		resp.Labels[j] = col.Name
		resp.Units[j] = col.Units
	}

	for i := 0; i < r.Rows; i++ {
		row := make([]float64, r.Cols+1)
		row[0] = float64(r.Timestamps[i])
		for j := 0; j < r.Cols; j++ {
			v, _, _ := r.Cell(i, j)
			row[j+1] = v
		}
		resp.Data[i] = row
	}

	return resp
}

// normalizeResponseUnits rescales each column to a human-friendly prefix
// (e.g. a column whose values sit in the billions is shown as "GB" rather
// than raw bytes) using pkg/units, the same normalization the teacher
// applies when rendering metric values for display.
func normalizeResponseUnits(resp *DataResponse) {
	if resp.Rows == 0 {
		return
	}
	cols := len(resp.Units)
	for j := 0; j < cols; j++ {
		us := resp.Units[j]
		if us == "" || !units.NewUnit(us).Valid() {
			continue
		}
		var sum float64
		for i := 0; i < resp.Rows; i++ {
			sum += resp.Data[i][j+1]
		}
		avg := sum / float64(resp.Rows)

		values := make([]float64, resp.Rows)
		for i := 0; i < resp.Rows; i++ {
			values[i] = resp.Data[i][j+1]
		}
		var newUnit string
		units.NormalizeSeries(values, avg, us, &newUnit)
		for i := 0; i < resp.Rows; i++ {
			resp.Data[i][j+1] = values[i]
		}
		resp.Units[j] = newUnit
	}
}

// downsampleResponse decimates resp.Data down to at most target rows for
// chart display, using pkg/resampler. "lttb" picks the rows that best
// preserve the series' visual shape (applying the same picked indices to
// every column so they stay aligned); "simple" strides every Nth row.
func downsampleResponse(resp *DataResponse, target int64, method string) error {
	rows := int64(len(resp.Data))
	if rows == 0 || target <= 0 || target >= rows {
		return nil
	}
	step := rows / target
	if step < 1 {
		step = 1
	}

	if method == "simple" {
		cols := len(resp.Data[0])
		newData := make([][]float64, 0, target+1)
		for c := 0; c < cols; c++ {
			series := make([]schema.Float, rows)
			for r := int64(0); r < rows; r++ {
				series[r] = schema.Float(resp.Data[r][c])
			}
			out, err := resampler.SimpleResampler(series, 1, step)
			if err != nil {
				return err
			}
			if c == 0 {
				for range out {
					newData = append(newData, make([]float64, cols))
				}
			}
			for r, v := range out {
				if r >= len(newData) {
					break
				}
				newData[r][c] = float64(v)
			}
		}
		resp.Data = newData
		resp.Rows = len(newData)
		return nil
	}

	timestamps := make([]schema.Float, rows)
	for r := int64(0); r < rows; r++ {
		timestamps[r] = schema.Float(resp.Data[r][0])
	}
	indices, err := resampler.LargestTriangleThreeBucketIndices(timestamps, 1, int(step))
	if err != nil {
		return err
	}
	newData := make([][]float64, len(indices))
	for i, idx := range indices {
		newData[i] = resp.Data[idx]
	}
	resp.Data = newData
	resp.Rows = len(newData)
	return nil
}
