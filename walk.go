// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"errors"
	"iter"
	"sync/atomic"
)

// Walk retrieves the subtree below root with GETNEXT requests. The sequence
// is lazy and can be ranged over once; a second range yields
// ErrSequenceConsumed. Walking ends without error when the agent leaves the
// subtree or signals the end of its MIB view. A walk rooted at a scalar
// instance returns that instance, like net-snmp's snmpwalk.
//
//	for vb, err := range session.Walk(root) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(vb)
//	}
func (x *Session) Walk(root OID) iter.Seq2[VarBind, error] {
	return x.walk(GetNextRequest, root)
}

// BulkWalk is Walk with GETBULK requests of MaxRepetitions bindings.
// It is not available in SNMPv1.
func (x *Session) BulkWalk(root OID) iter.Seq2[VarBind, error] {
	return x.walk(GetBulkRequest, root)
}

// WalkAll collects a Walk. On error the bindings read so far are returned
// with it.
func (x *Session) WalkAll(root OID) ([]VarBind, error) {
	return collect(x.Walk(root))
}

// BulkWalkAll collects a BulkWalk.
func (x *Session) BulkWalkAll(root OID) ([]VarBind, error) {
	return collect(x.BulkWalk(root))
}

func collect(seq iter.Seq2[VarBind, error]) ([]VarBind, error) {
	var results []VarBind
	for vb, err := range seq {
		if err != nil {
			return results, err
		}
		results = append(results, vb)
	}
	return results, nil
}

func (x *Session) walk(getRequestType PDUType, root OID) iter.Seq2[VarBind, error] {
	var consumed atomic.Bool
	root = root.Copy()

	return func(yield func(VarBind, error) bool) {
		if consumed.Swap(true) {
			yield(VarBind{}, ErrSequenceConsumed)
			return
		}
		if getRequestType == GetBulkRequest && x.Version == Version1 {
			yield(VarBind{}, errors.New("BulkWalk not supported in SNMPv1"))
			return
		}

		limit := x.MaxWalkIterations
		if limit <= 0 {
			limit = defaultMaxWalkIterations
		}
		maxReps := x.MaxRepetitions
		if maxReps == 0 {
			maxReps = defaultMaxRepetitions
		}

		oid := root
		requests := 0
		found := 0

	RequestLoop:
		for {
			if requests >= limit {
				x.Logger.Printf("walk of %s stopped after %d requests", root, requests)
				yield(VarBind{}, ErrIterationLimit)
				return
			}
			requests++

			var response *SnmpPacket
			var err error
			switch getRequestType {
			case GetBulkRequest:
				response, err = x.GetBulk([]OID{oid}, 0, maxReps)
			default:
				response, err = x.GetNext([]OID{oid})
			}
			if err != nil {
				// v1 agents end the walk with noSuchName
				if x.Version == Version1 && errors.Is(err, NoSuchName) {
					break RequestLoop
				}
				yield(VarBind{}, err)
				return
			}
			if len(response.Variables) == 0 {
				break RequestLoop
			}

			for _, vb := range response.Variables {
				if vb.IsException() {
					x.Logger.Printf("walk terminated with %s", vb.Type)
					break RequestLoop
				}
				if !root.Contains(vb.Name) {
					x.Logger.Printf("walk left the subtree at %s", vb.Name)
					break RequestLoop
				}
				if vb.Name.Compare(oid) <= 0 {
					if !x.AllowNonIncreasingOIDs {
						yield(VarBind{}, &NonIncreasingOIDError{Previous: oid, Current: vb.Name})
						return
					}
					x.Logger.Printf("OID not increasing: %s after %s", vb.Name, oid)
				}
				found++
				if !yield(vb, nil) {
					return
				}
				oid = vb.Name
			}
		}

		if found == 0 {
			x.walkScalar(root, yield)
		}
	}
}

// walkScalar answers a walk of a scalar instance, which has no successor in
// its own subtree.
func (x *Session) walkScalar(root OID, yield func(VarBind, error) bool) {
	response, err := x.Get([]OID{root})
	if err != nil {
		if x.Version == Version1 && errors.Is(err, NoSuchName) {
			return
		}
		yield(VarBind{}, err)
		return
	}
	if len(response.Variables) == 1 && !response.Variables[0].IsException() && response.Variables[0].Type != Null {
		yield(response.Variables[0], nil)
	}
}
