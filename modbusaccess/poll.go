package modbusaccess

import (
	"fmt"
	"maps"

	"github.com/grid-x/modbus"
)

// PollBlocks reads all the register `blocks` from the `client` and returns a map of the parsed values, keyed by metric name.
func PollBlocks(client modbus.Client, blocks []RegisterBlock) (map[string]interface{}, error) {

	allMetrics := make(map[string]interface{})

	for _, block := range blocks {
		blockMetrics, err := PollBlock(client, block)
		if err != nil {
			return nil, fmt.Errorf("poll block '%s': %w", block.Name, err)
		}
		maps.Copy(allMetrics, blockMetrics)
	}

	return allMetrics, nil
}

// PollBlock reads a single register `block` from the `client` and returns a map of the parsed values, keyed by metric name.
func PollBlock(client modbus.Client, block RegisterBlock) (map[string]interface{}, error) {

	var bytes []byte
	var err error
	switch block.Function {
	case InputRegisters:
		bytes, err = client.ReadInputRegisters(block.StartAddr, block.NumRegisters)
	default:
		bytes, err = client.ReadHoldingRegisters(block.StartAddr, block.NumRegisters)
	}
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}

	metrics := make(map[string]interface{}, len(block.Registers))
	for key, register := range block.Registers {

		// sanity check the configuration to avoid out of bound panics
		offset := (int(register.StartAddr) - int(block.StartAddr)) * 2 // registers are two bytes long
		if offset < 0 {
			return nil, fmt.Errorf("register configuration for '%s' preceeds block", key)
		}
		if offset+int(register.DataType.dataLength) > len(bytes) {
			return nil, fmt.Errorf("register configuration for '%s' exceeds block", key)
		}

		registerBytes := bytes[offset:(offset + int(register.DataType.dataLength))]
		val := register.DataType.fromBytesFunc(registerBytes)

		if register.ScalingFunc != nil {
			val = register.ScalingFunc(val)
		}

		metrics[key] = val
	}

	return metrics, nil
}
