package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainTableState = "rill/table-state/v1"
	DomainQuerySpec  = "rill/query-spec/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateRow is one (key, row) pair of a table, used for digests.
type StateRow struct {
	Key string
	Row Object
}

// StateDigest hashes a table's contents independent of insertion order.
// Two folds of the same changelog must produce the same digest.
func StateDigest(rows []StateRow) (string, error) {
	sorted := make([]StateRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	arr := make(Array, 0, len(sorted))
	for _, r := range sorted {
		arr = append(arr, Array{String(r.Key), r.Row})
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("StateDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTableState, canonical), nil
}

// SpecHash fingerprints a compiled query so a checkpoint taken under one
// definition is not resumed under another.
func SpecHash(q QuerySpec) (string, error) {
	ops := make(Array, 0, len(q.Operators))
	for _, op := range q.Operators {
		desc, err := operatorDescriptor(op)
		if err != nil {
			return "", fmt.Errorf("SpecHash: %w", err)
		}
		ops = append(ops, desc)
	}
	keyBy := make(Array, 0, len(q.Sink.KeyBy))
	for _, k := range q.Sink.KeyBy {
		keyBy = append(keyBy, String(k))
	}
	obj := Object{
		"id":         String(q.ID),
		"source":     String(q.Source),
		"event_time": String(q.EventTime),
		"operators":  ops,
		"sink": Object{
			"kind":   String(q.Sink.Kind),
			"name":   String(q.Sink.Name),
			"key_by": keyBy,
		},
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SpecHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainQuerySpec, canonical), nil
}

func operatorDescriptor(op OperatorSpec) (Value, error) {
	// The descriptor mirrors the JSON form; marshal through it to stay in sync.
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return DecodeValue(raw)
}

// MustStateDigest is like StateDigest but panics on error.
// Use only in tests.
func MustStateDigest(rows []StateRow) string {
	d, err := StateDigest(rows)
	if err != nil {
		panic(err)
	}
	return d
}
