// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements ingestion of metric samples received over NATS. Each
// message encodes one line with the following structure:
//
//	<measurement> <cluster>,<host>[,<type>,<type-id>][,<subtype>,<subtype-id>] <value> [<timestamp>]
//
// The measurement name identifies the metric (e.g. "cpu_load"). The second
// field is the selector path routing the sample into the Level tree. Only one
// value is carried per line; a missing timestamp falls back to time.Now().
package metricstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/netquery/tsquery/pkg/nats"
)

var errInvalidLine = errors.New("[METRICSTORE]> malformed ingestion line")

// decodeState holds the per-call scratch buffer used by DecodeLine. Instances
// are recycled via decodeStatePool to avoid repeated allocations during
// sustained metric ingestion.
type decodeState struct {
	selector []string
}

var decodeStatePool = sync.Pool{
	New: func() any {
		return &decodeState{selector: make([]string, 0, 4)}
	},
}

// ReceiveNats subscribes to all configured NATS subjects and feeds incoming
// messages into the MemoryStore.
//
// When workers > 1 a pool of goroutines drains a shared channel so that
// multiple messages can be decoded in parallel. With workers == 1 the NATS
// callback decodes inline (no channel overhead, lower latency).
//
// With workers > 1 the function blocks until ctx is cancelled and all worker
// goroutines have finished; with workers == 1 it returns as soon as the
// subscriptions are established. It returns nil when the NATS client is not configured; callers
// should treat that as a no-op rather than an error.
func ReceiveNats(ms *MemoryStore, workers int, ctx context.Context) error {
	nc := nats.GetClient()
	if nc == nil {
		cclog.Warn("[METRICSTORE]> NATS client not initialized")
		return nil
	}

	var wg sync.WaitGroup
	msgs := make(chan []byte, workers*2)

	for _, sc := range *Keys.Subscriptions {
		clusterTag := sc.ClusterTag
		if workers > 1 {
			wg.Add(workers)
			for range workers {
				go func() {
					defer wg.Done()
					for m := range msgs {
						if err := DecodeLine(m, ms, clusterTag); err != nil {
							cclog.Errorf("[METRICSTORE]> ingest: %s", err.Error())
						}
					}
				}()
			}

			if err := nc.Subscribe(sc.SubscribeTo, func(_ string, data []byte) {
				select {
				case msgs <- data:
				case <-ctx.Done():
				}
			}); err != nil {
				return err
			}
		} else {
			if err := nc.Subscribe(sc.SubscribeTo, func(_ string, data []byte) {
				if err := DecodeLine(data, ms, clusterTag); err != nil {
					cclog.Errorf("[METRICSTORE]> ingest: %s", err.Error())
				}
			}); err != nil {
				return err
			}
		}
		cclog.Infof("[METRICSTORE]> NATS subscription to '%s' established", sc.SubscribeTo)
	}

	go func() {
		<-ctx.Done()
		close(msgs)
	}()

	wg.Wait()
	return nil
}

// DecodeLine parses a single ingestion line and writes the decoded sample
// into ms. clusterDefault is used for lines whose selector omits the cluster
// field, mirroring the ClusterTag fallback configured per NATS subscription.
func DecodeLine(line []byte, ms *MemoryStore, clusterDefault string) error {
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return errInvalidLine
	}

	st := decodeStatePool.Get().(*decodeState)
	defer decodeStatePool.Put(st)

	metricName := fields[0]

	st.selector = st.selector[:0]
	for i, part := range strings.Split(fields[1], ",") {
		if i == 0 && part == "" {
			part = clusterDefault
		}
		st.selector = append(st.selector, part)
	}

	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return err
	}

	ts := time.Now().Unix()
	if len(fields) > 3 {
		if parsed, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			ts = parsed
		}
	}

	metric := Metric{
		Name:  metricName,
		Value: schema.Float(value),
	}

	return ms.Write(st.selector, ts, []Metric{metric})
}
