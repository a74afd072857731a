package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"syncmesh.ai/internal/store"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeRecord is one row's difference between two consecutive ticks.
// For UPDATE, Changes holds exactly the fields whose stored bytes differ;
// consumers apply it as a partial patch. For INSERT it holds the full row,
// for DELETE it is empty.
type ChangeRecord struct {
	Kind    string                     `json:"kind"`
	ID      string                     `json:"id"`
	Op      Op                         `json:"op"`
	Changes map[string]json.RawMessage `json:"changes,omitempty"`
}

// Diff computes the change-set between tick numbers tickN and tickPrev of a
// group. tickPrev == 0 means "first tick ever": every row reports INSERT.
// The result is a set keyed by (kind, id); ordering is unspecified. Pure
// over stored tick rows, so repeated calls return the same set.
func (e *Engine) Diff(ctx context.Context, group string, tickN, tickPrev uint64) ([]ChangeRecord, error) {
	curTick, err := e.store.TickByNumber(ctx, group, tickN)
	if err != nil {
		return nil, fmt.Errorf("diff %s tick %d: %w", group, tickN, err)
	}
	cur, err := e.store.TickRowSet(ctx, curTick.ID)
	if err != nil {
		return nil, err
	}

	prev := map[store.RowKey]json.RawMessage{}
	if tickPrev != 0 {
		prevTick, err := e.store.TickByNumber(ctx, group, tickPrev)
		if err != nil {
			return nil, fmt.Errorf("diff %s tick %d: %w", group, tickPrev, err)
		}
		prev, err = e.store.TickRowSet(ctx, prevTick.ID)
		if err != nil {
			return nil, err
		}
	}

	var out []ChangeRecord
	for key, curData := range cur {
		prevData, existed := prev[key]
		if !existed {
			fields, err := splitFields(curData)
			if err != nil {
				return nil, err
			}
			out = append(out, ChangeRecord{Kind: key.Kind, ID: key.ID, Op: OpInsert, Changes: fields})
			continue
		}
		changes, err := diffFields(prevData, curData)
		if err != nil {
			return nil, err
		}
		// Fully identical rows are omitted entirely.
		if len(changes) > 0 {
			out = append(out, ChangeRecord{Kind: key.Kind, ID: key.ID, Op: OpUpdate, Changes: changes})
		}
	}
	for key := range prev {
		if _, still := cur[key]; !still {
			out = append(out, ChangeRecord{Kind: key.Kind, ID: key.ID, Op: OpDelete})
		}
	}
	return out, nil
}

func splitFields(data json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("bad captured row: %w", err)
	}
	return fields, nil
}

// diffFields returns the fields whose stored bytes differ. Byte equality is
// the contract: an unchanged nested document must never reappear in the
// patch, or consumers would overwrite live nested state with stale copies.
func diffFields(prevData, curData json.RawMessage) (map[string]json.RawMessage, error) {
	prevFields, err := splitFields(prevData)
	if err != nil {
		return nil, err
	}
	curFields, err := splitFields(curData)
	if err != nil {
		return nil, err
	}
	changes := make(map[string]json.RawMessage)
	for name, cur := range curFields {
		if prev, ok := prevFields[name]; ok && bytes.Equal(prev, cur) {
			continue
		}
		changes[name] = cur
	}
	for name := range prevFields {
		if _, ok := curFields[name]; !ok {
			changes[name] = json.RawMessage("null")
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return changes, nil
}
