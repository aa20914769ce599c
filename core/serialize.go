package core

import (
	"bytes"
	"encoding/binary"

	"github.com/vecrt/vecrt/vecerr"
)

// SerializeView writes a View to binary form.
// Layout: [isConstant(1)][baseID(8)][dtype(1)][start(8)][ndim(2)][shape[ndim](8 each)][stride[ndim](8 each)][const.Raw(16) iff isConstant]
func SerializeView(v View) ([]byte, error) {
	buf := &bytes.Buffer{}
	isConst := byte(0)
	if IsConstant(v) {
		isConst = 1
	}
	if err := buf.WriteByte(isConst); err != nil {
		return nil, err
	}
	var baseID uint64
	if v.Base != nil {
		baseID = v.Base.ID
	}
	if err := binary.Write(buf, binary.LittleEndian, baseID); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(v.DType())); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, v.Start); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(v.NDim)); err != nil {
		return nil, err
	}
	for i := 0; i < v.NDim; i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Shape[i]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < v.NDim; i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Stride[i]); err != nil {
			return nil, err
		}
	}
	if isConst == 1 {
		if _, err := buf.Write(v.Const.Raw[:]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DeserializeView reads a View from binary form. resolveBase looks a
// serialized base ID back up to a live *Base (nil for constants); callers
// serializing standalone, base-less views may pass a resolver that always
// returns nil.
func DeserializeView(b []byte, resolveBase func(id uint64) *Base) (View, error) {
	r := bytes.NewReader(b)
	var v View

	isConst, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	var baseID uint64
	if err := binary.Read(r, binary.LittleEndian, &baseID); err != nil {
		return v, err
	}
	dtypeByte, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	if err := binary.Read(r, binary.LittleEndian, &v.Start); err != nil {
		return v, err
	}
	var ndim uint16
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return v, err
	}
	v.NDim = int(ndim)
	v.Shape = make([]int64, v.NDim)
	for i := range v.Shape {
		if err := binary.Read(r, binary.LittleEndian, &v.Shape[i]); err != nil {
			return v, err
		}
	}
	v.Stride = make([]int64, v.NDim)
	for i := range v.Stride {
		if err := binary.Read(r, binary.LittleEndian, &v.Stride[i]); err != nil {
			return v, err
		}
	}
	if isConst == 1 {
		v.Const.DType = DType(dtypeByte)
		if _, err := r.Read(v.Const.Raw[:]); err != nil {
			return v, err
		}
	} else if resolveBase != nil {
		v.Base = resolveBase(baseID)
	}
	return v, nil
}

// SerializationHeader tags a persisted blob with a format identity and an
// integrity checksum.
type SerializationHeader struct {
	Magic    uint32
	Version  uint16
	Count    uint32
	Checksum uint32
	Reserved uint32
}

const (
	SerializationMagic   = 0x54524356 // "VCRT" little endian
	SerializationVersion = 1
	HeaderSize           = 18
)

// SerializeInstructions writes an instruction list with an integrity header,
// used by fusioncache when persisting a Batch's InstrList to disk.
func SerializeInstructions(instrs []Instruction) ([]byte, error) {
	body := &bytes.Buffer{}
	for _, ins := range instrs {
		if err := binary.Write(body, binary.LittleEndian, ins.Opcode); err != nil {
			return nil, err
		}
		if err := binary.Write(body, binary.LittleEndian, uint16(len(ins.Operands))); err != nil {
			return nil, err
		}
		for _, op := range ins.Operands {
			enc, err := SerializeView(op)
			if err != nil {
				return nil, err
			}
			if err := binary.Write(body, binary.LittleEndian, uint32(len(enc))); err != nil {
				return nil, err
			}
			body.Write(enc)
		}
	}

	header := SerializationHeader{
		Magic:    SerializationMagic,
		Version:  SerializationVersion,
		Count:    uint32(len(instrs)),
		Checksum: crc32Checksum(body.Bytes()),
	}
	out := &bytes.Buffer{}
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// DeserializeInstructions reads back what SerializeInstructions wrote,
// verifying the header magic, version, and checksum before trusting the
// payload.
func DeserializeInstructions(data []byte, resolveBase func(id uint64) *Base) ([]Instruction, error) {
	if len(data) < HeaderSize {
		return nil, vecerr.New(vecerr.KindInvalidView, "instruction blob shorter than header")
	}
	r := bytes.NewReader(data)
	var header SerializationHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != SerializationMagic {
		return nil, vecerr.New(vecerr.KindInvalidView, "bad magic number in instruction blob")
	}
	if header.Version != SerializationVersion {
		return nil, vecerr.New(vecerr.KindInvalidView, "unsupported instruction blob version")
	}
	body := data[HeaderSize:]
	if crc32Checksum(body) != header.Checksum {
		return nil, vecerr.New(vecerr.KindInvalidView, "checksum mismatch in instruction blob")
	}

	br := bytes.NewReader(body)
	instrs := make([]Instruction, 0, header.Count)
	for i := uint32(0); i < header.Count; i++ {
		var ins Instruction
		if err := binary.Read(br, binary.LittleEndian, &ins.Opcode); err != nil {
			return nil, err
		}
		var nops uint16
		if err := binary.Read(br, binary.LittleEndian, &nops); err != nil {
			return nil, err
		}
		ins.Operands = make([]View, nops)
		for j := range ins.Operands {
			var opLen uint32
			if err := binary.Read(br, binary.LittleEndian, &opLen); err != nil {
				return nil, err
			}
			opBytes := make([]byte, opLen)
			if _, err := br.Read(opBytes); err != nil {
				return nil, err
			}
			v, err := DeserializeView(opBytes, resolveBase)
			if err != nil {
				return nil, err
			}
			ins.Operands[j] = v
		}
		instrs = append(instrs, ins)
	}
	return instrs, nil
}

// crc32Checksum is a software CRC32/IEEE implementation matching the
// polynomial and reflected form used by earlier fusioncache entries on disk.
func crc32Checksum(data []byte) uint32 {
	const poly = 0xEDB88320
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
