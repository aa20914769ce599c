// Package fusioncache implements a structural-hash-keyed cache of kernel
// partitions: given a batch's instruction list and the fusion model that
// produced a partition, later batches with an identical instruction
// structure reuse the partition without re-running the planner.
//
// The on-disk entry format (magic number, version, fixed-size records,
// gob fallback) is a lean partition-boundary record: a fusion cache entry
// never needs to carry live tensor data, only which instruction indices
// group into which kernel.
package fusioncache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/vecrt/vecrt/vecerr"
)

// KernelSpan is the persisted form of a core.Kernel: the instruction
// indices it covers and how many private temporaries it allocates. Actual
// *core.Base temporaries are never persisted; only their count, so the
// planner can recreate fresh ones when a cached partition is replayed.
type KernelSpan struct {
	InstrIndexes []uint32
	NumTemps     uint16
}

// Entry is one cached fusion decision: a fusion model name, the batch
// structural hash it applies to, and the resulting kernel partition.
type Entry struct {
	ModelName string
	Hash      uint64
	Kernels   []KernelSpan
}

const (
	entryMagic   = 0x46435645 // "EVCF" little endian
	entryVersion = 1
)

// Serialize writes an Entry to binary form.
func (e Entry) Serialize() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, uint32(entryMagic)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(entryVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, e.Hash); err != nil {
		return nil, err
	}
	nameBytes := []byte(e.ModelName)
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(nameBytes))); err != nil {
		return nil, err
	}
	buf.Write(nameBytes)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(e.Kernels))); err != nil {
		return nil, err
	}
	for _, k := range e.Kernels {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(k.InstrIndexes))); err != nil {
			return nil, err
		}
		for _, idx := range k.InstrIndexes {
			if err := binary.Write(buf, binary.LittleEndian, idx); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(buf, binary.LittleEndian, k.NumTemps); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Deserialize reads back what Serialize wrote.
func Deserialize(data []byte) (Entry, error) {
	var e Entry
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return e, err
	}
	if magic != entryMagic {
		return e, vecerr.New(vecerr.KindInvalidView, "fusioncache: bad entry magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return e, err
	}
	if version != entryVersion {
		return e, vecerr.New(vecerr.KindInvalidView, "fusioncache: unsupported entry version")
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Hash); err != nil {
		return e, err
	}
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return e, err
	}
	nameBytes := make([]byte, nameLen)
	if _, err := r.Read(nameBytes); err != nil {
		return e, err
	}
	e.ModelName = string(nameBytes)

	var numKernels uint32
	if err := binary.Read(r, binary.LittleEndian, &numKernels); err != nil {
		return e, err
	}
	e.Kernels = make([]KernelSpan, numKernels)
	for i := range e.Kernels {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return e, err
		}
		e.Kernels[i].InstrIndexes = make([]uint32, n)
		for j := range e.Kernels[i].InstrIndexes {
			if err := binary.Read(r, binary.LittleEndian, &e.Kernels[i].InstrIndexes[j]); err != nil {
				return e, err
			}
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Kernels[i].NumTemps); err != nil {
			return e, err
		}
	}
	return e, nil
}

// SerializeGob is the fallback path for entries whose exact binary layout
// doesn't matter (in-memory transfer between components in the same
// process).
func (e Entry) SerializeGob() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeGob reads back what SerializeGob wrote.
func DeserializeGob(data []byte) (Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return e, err
	}
	return e, nil
}
