package modbusaccess

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Type represents the different types of data that can be read over modbus.
type Type struct {
	name          string                   // the name of the data type
	dataLength    uint16                   // the number of underlying bytes to represent the data type
	fromBytesFunc func([]byte) interface{} // function to convert the bytes to the concrete data type
}

func (t Type) String() string {
	return t.name
}

// FloatType represents the 32 bit IEEE float data type.
var FloatType = Type{
	name:       "float",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) interface{} {
		return float64(math.Float32frombits(binary.BigEndian.Uint32(bytes)))
	},
}

// Int32Type represents the 32 bit signed integer data type on Modbus.
var Int32Type = Type{
	name:       "int32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) interface{} {
		return int32(binary.BigEndian.Uint32(bytes))
	},
}

// Uint32Type represents the 32 bit unsigned integer data type on Modbus.
var Uint32Type = Type{
	name:       "uint32",
	dataLength: 4,
	fromBytesFunc: func(bytes []byte) interface{} {
		return binary.BigEndian.Uint32(bytes)
	},
}

// Uint16Type represents the 16 bit unsigned integer data type on Modbus.
var Uint16Type = Type{
	name:       "uint16",
	dataLength: 2,
	fromBytesFunc: func(bytes []byte) interface{} {
		return binary.BigEndian.Uint16(bytes)
	},
}

// Int16Type represents the 16 bit signed integer data type on Modbus.
var Int16Type = Type{
	name:       "int16",
	dataLength: 2,
	fromBytesFunc: func(bytes []byte) interface{} {
		return int16(binary.BigEndian.Uint16(bytes))
	},
}

// String16Type represents a 16 byte long, null terminated string
var String16Type = Type{
	name:       "string16",
	dataLength: 16,
	fromBytesFunc: func(b []byte) interface{} {
		return string(bytes.Trim(b, "\x00"))
	},
}

// ScalingFunc converts a raw register value into its engineering value.
type ScalingFunc func(interface{}) interface{}

// DivideBy returns a ScalingFunc that turns integer registers into float64 divided by `divisor`, which is how
// the Pack Controller transmits fixed point values.
func DivideBy(divisor float64) ScalingFunc {
	return func(val interface{}) interface{} {
		f, ok := ToFloat(val)
		if !ok {
			return val
		}
		return f / divisor
	}
}

// ToFloat converts any numeric register value into float64.
func ToFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int16:
		return float64(v), true
	case uint16:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Function selects the Modbus read function used for a block.
type Function int

const (
	HoldingRegisters Function = iota
	InputRegisters
)

// Register holds a value on the modbus slave at the given address
type Register struct {
	StartAddr   uint16
	DataType    Type
	ScalingFunc ScalingFunc // scales the received value to get its 'true' value (transmitting scaled values is common in Modbus)
}

// RegisterBlock represents a contigous block of modbus registers that are read in one chunk.
type RegisterBlock struct {
	Name         string              // name of the block used for context/logging
	Function     Function            // holding registers unless set
	StartAddr    uint16              // the first register address of the block
	NumRegisters uint16              // the number of registers in this block (each register is two bytes)
	Registers    map[string]Register // details of all the registers of interest in this block, keyed by unique name
}
