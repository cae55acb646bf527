// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// TableRow is one conceptual row: the instance index and the columns read
// for it, keyed by column number.
type TableRow struct {
	Index   OID
	Columns map[uint32]VarBind
}

// Column returns the binding of column col, if the row has one.
func (r TableRow) Column(col uint32) (VarBind, bool) {
	vb, ok := r.Columns[col]
	return vb, ok
}

// GetTable reads the table rooted at tableOID (eg ifTable,
// .1.3.6.1.2.1.2.2) and groups its columns by row index. Rows come back in
// index order, or sorted by the value of sortColumn when it is not zero;
// rows without that column sort last.
//
// The walk is a BulkWalk except on SNMPv1. An OID whose subtree is empty,
// or whose objects are not laid out as entry.column.index, yields a
// *TableError.
func (x *Session) GetTable(tableOID OID, sortColumn uint32) ([]TableRow, error) {
	seq := x.BulkWalk(tableOID)
	if x.Version == Version1 {
		seq = x.Walk(tableOID)
	}

	entry := tableOID.Append(1)
	rows := map[string]*TableRow{}
	var order []*TableRow
	for vb, err := range seq {
		if err != nil {
			return nil, err
		}
		// entry . column . index (at least one arc)
		if !vb.Name.HasPrefix(entry) || len(vb.Name) < len(entry)+2 {
			return nil, &TableError{OID: tableOID, Reason: fmt.Sprintf("%s is not a column instance", vb.Name)}
		}
		col := vb.Name[len(entry)]
		index := vb.Name[len(entry)+1:]
		key := index.String()
		row, ok := rows[key]
		if !ok {
			row = &TableRow{Index: index.Copy(), Columns: map[uint32]VarBind{}}
			rows[key] = row
			order = append(order, row)
		}
		row.Columns[col] = vb
	}
	if len(order) == 0 {
		return nil, &TableError{OID: tableOID, Reason: "no rows"}
	}

	out := make([]TableRow, len(order))
	for i, row := range order {
		out[i] = *row
	}
	slices.SortStableFunc(out, func(a, b TableRow) int {
		return a.Index.Compare(b.Index)
	})
	if sortColumn != 0 {
		slices.SortStableFunc(out, func(a, b TableRow) int {
			va, okA := a.Columns[sortColumn]
			vb, okB := b.Columns[sortColumn]
			switch {
			case !okA && !okB:
				return 0
			case !okA:
				return 1
			case !okB:
				return -1
			}
			return compareValues(va, vb)
		})
	}
	return out, nil
}

// compareValues orders two bindings by value: numerically for numbers,
// bytewise for strings, arc-wise for OIDs. Mixed types order by tag.
func compareValues(a, b VarBind) int {
	if a.Type != b.Type {
		return int(a.Type) - int(b.Type)
	}
	switch av := a.Value.(type) {
	case []byte:
		bv, _ := b.Value.([]byte)
		return bytes.Compare(av, bv)
	case string:
		bv, _ := b.Value.(string)
		if a.Type == IPAddress {
			return compareIPStrings(av, bv)
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case OID:
		bv, _ := b.Value.(OID)
		return av.Compare(bv)
	}
	return ToBigInt(a.Value).Cmp(ToBigInt(b.Value))
}

func compareIPStrings(a, b string) int {
	oa, errA := ParseOID(a)
	ob, errB := ParseOID(b)
	if err := errors.Join(errA, errB); err != nil {
		return bytes.Compare([]byte(a), []byte(b))
	}
	return oa.Compare(ob)
}
