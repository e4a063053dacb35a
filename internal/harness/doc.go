// Package harness runs YAML scenarios against the real engine.
//
// A scenario declares its continuous queries inline (CUE), produces records
// onto an in-memory log, optionally restarts the engine, and then asserts on
// pull-query results, table sizes, derived topics and halted queries.
//
// # Scenario Format
//
//	name: count_by_device
//	description: "COUNT grouped by device"
//	partitions: 2
//	queries: |
//	  query: counts: {
//	    source: "clicks"
//	    operators: [{aggregate: {group_by: ["device"], aggregations: [{fn: "count", as: "count"}]}}]
//	    sink: table: "device_counts"
//	  }
//	steps:
//	  - produce: {topic: clicks, key: A, value: {device: A}}
//	  - produce: {topic: clicks, key: A, tombstone: true}
//	  - produce: {topic: clicks, key: A, raw: "not json"}
//	  - restart: true
//	assertions:
//	  - type: lookup
//	    table: device_counts
//	    key: A
//	    expect: {count: 1}
//	  - type: not_found
//	    table: device_counts
//	    key: C
//	  - type: row_count
//	    table: device_counts
//	    count: 1
//	  - type: topic_count
//	    topic: counts.dlq
//	    count: 1
//	  - type: halted
//	    query: counts
//
// # Determinism
//
// After every step the harness waits until every query has consumed all of
// its source topic, visiting upstream queries first, so joins and derived
// streams see a deterministic order. The clock is fixed and the changelog
// lives in a fresh temporary directory per run.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/count_by_device.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
