// json.go implements the bit-exact wire shape for Operation
//"): { oid, timestamp, data:
// { op, ... } }. replicaId is not part of this shape — it travels
// separately, either as the envelope's replicaId (wire messages) or as
// an explicit argument to OperationLog.insertAll (storage).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/oid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type wireData struct {
	Op       Kind   `json:"op"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	Index    *int   `json:"index,omitempty"`
	From     *int   `json:"from,omitempty"`
	To       *int   `json:"to,omitempty"`
	Snapshot any    `json:"snapshot,omitempty"`
}

type wireOp struct {
	OID       oid.OID       `json:"oid"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	Data      wireData      `json:"data"`
}

func (o *Operation) MarshalJSON() ([]byte, error) {
	w := wireOp{
		OID:       o.OID,
		Timestamp: o.Timestamp,
		Data: wireData{
			Op:       o.Kind,
			Field:    o.Payload.Field,
			Value:    o.Payload.Value,
			Snapshot: o.Payload.Snapshot,
		},
	}
	switch o.Kind {
	case KindListInsert:
		idx := o.Payload.Index
		w.Data.Index = &idx
	case KindListDelete:
		idx := o.Payload.Index
		w.Data.Index = &idx
	case KindListMove:
		from, to := o.Payload.From, o.Payload.To
		w.Data.From, w.Data.To = &from, &to
	}
	return json.Marshal(w)
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var w wireOp
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	o.OID = w.OID
	o.Timestamp = w.Timestamp
	o.Kind = w.Data.Op
	o.Payload = Payload{
		Field:    w.Data.Field,
		Value:    w.Data.Value,
		Snapshot: w.Data.Snapshot,
	}
	if w.Data.Index != nil {
		o.Payload.Index = *w.Data.Index
	}
	if w.Data.From != nil {
		o.Payload.From = *w.Data.From
	}
	if w.Data.To != nil {
		o.Payload.To = *w.Data.To
	}
	return nil
}
