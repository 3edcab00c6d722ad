// msgp.go implements the storage encoding for Operation and Baseline,
// using the tinylib/msgp runtime writer/reader directly — the same
// msgp.NewWriterBuf/msgp.NewReaderBuf primitives called by hand in
// xact/xs/lso.go, rather than msgp-codegen'd (Un)MarshalMsg methods,
// since there is no code generation step in this build. Storage
// encoding carries ReplicaID, unlike the wire JSON shape in json.go,
// because a stored operation records which replica produced it.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"bytes"
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/oid"
)

// EncodeOperation serializes an Operation for storage.
func EncodeOperation(o *Operation) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	fields := 5
	if err := w.WriteMapHeader(uint32(fields)); err != nil {
		return nil, err
	}
	for _, kv := range []struct {
		key string
		wr  func() error
	}{
		{"oid", func() error { return w.WriteString(string(o.OID)) }},
		{"ts", func() error { return w.WriteString(string(o.Timestamp)) }},
		{"kind", func() error { return w.WriteString(string(o.Kind)) }},
		{"rid", func() error { return w.WriteString(o.ReplicaID) }},
		{"payload", func() error { return writePayload(w, &o.Payload) }},
	} {
		if err := w.WriteString(kv.key); err != nil {
			return nil, err
		}
		if err := kv.wr(); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeOperation deserializes an Operation previously written by
// EncodeOperation.
func DecodeOperation(b []byte) (*Operation, error) {
	r := msgp.NewReader(bytes.NewReader(b))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	o := &Operation{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "oid":
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			o.OID = oid.OID(s)
		case "ts":
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			o.Timestamp = hlc.Timestamp(s)
		case "kind":
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			o.Kind = Kind(s)
		case "rid":
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			o.ReplicaID = s
		case "payload":
			p, err := readPayload(r)
			if err != nil {
				return nil, err
			}
			o.Payload = p
		default:
			return nil, fmt.Errorf("meta: unknown operation field %q", key)
		}
	}
	return o, nil
}

func writePayload(w *msgp.Writer, p *Payload) error {
	if err := w.WriteMapHeader(6); err != nil {
		return err
	}
	if err := writeStr(w, "field", p.Field); err != nil {
		return err
	}
	if err := writeStr(w, "index", fmt.Sprintf("%d", p.Index)); err != nil {
		return err
	}
	if err := writeStr(w, "from", fmt.Sprintf("%d", p.From)); err != nil {
		return err
	}
	if err := writeStr(w, "to", fmt.Sprintf("%d", p.To)); err != nil {
		return err
	}
	if err := w.WriteString("valueJSON"); err != nil {
		return err
	}
	vb, err := json.Marshal(p.Value)
	if err != nil {
		return err
	}
	if err := w.WriteString(string(vb)); err != nil {
		return err
	}
	return writeSnapshot(w, p.Snapshot)
}

func writeStr(w *msgp.Writer, key, val string) error {
	if err := w.WriteString(key); err != nil {
		return err
	}
	return w.WriteString(val)
}

func writeSnapshot(w *msgp.Writer, snap any) error {
	if err := w.WriteString("snapshotJSON"); err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return w.WriteString(string(b))
}

func readPayload(r *msgp.Reader) (Payload, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	var valueJSON, snapshotJSON string
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return Payload{}, err
		}
		val, err := r.ReadString()
		if err != nil {
			return Payload{}, err
		}
		switch key {
		case "field":
			p.Field = val
		case "index":
			fmt.Sscanf(val, "%d", &p.Index)
		case "from":
			fmt.Sscanf(val, "%d", &p.From)
		case "to":
			fmt.Sscanf(val, "%d", &p.To)
		case "valueJSON":
			valueJSON = val
		case "snapshotJSON":
			snapshotJSON = val
		}
	}
	if valueJSON != "" {
		if err := json.Unmarshal([]byte(valueJSON), &p.Value); err != nil {
			return Payload{}, err
		}
	}
	if snapshotJSON != "" {
		if err := json.Unmarshal([]byte(snapshotJSON), &p.Snapshot); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

// EncodeBaseline serializes a Baseline for storage.
func EncodeBaseline(b *Baseline) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteMapHeader(3); err != nil {
		return nil, err
	}
	if err := writeStr(w, "oid", string(b.OID)); err != nil {
		return nil, err
	}
	if err := writeStr(w, "ts", string(b.Timestamp)); err != nil {
		return nil, err
	}
	if err := w.WriteString("snapshotJSON"); err != nil {
		return nil, err
	}
	sb, err := json.Marshal(b.Snapshot)
	if err != nil {
		return nil, err
	}
	if err := w.WriteString(string(sb)); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBaseline deserializes a Baseline previously written by
// EncodeBaseline.
func DecodeBaseline(b []byte) (*Baseline, error) {
	r := msgp.NewReader(bytes.NewReader(b))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	out := &Baseline{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		val, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "oid":
			out.OID = oid.OID(val)
		case "ts":
			out.Timestamp = hlc.Timestamp(val)
		case "snapshotJSON":
			if val != "" {
				if err := json.Unmarshal([]byte(val), &out.Snapshot); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}
