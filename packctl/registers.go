package packctl

import "github.com/cepro/bmsmonitor/modbusaccess"

// ControllerRegisters is the decoded live state of the Pack Controller.
type ControllerRegisters struct {
	TotalBattVoltage float64 `mapstructure:"TotalBattVoltage"`
	TotalLoadVoltage float64 `mapstructure:"TotalLoadVoltage"`
	TotalCurrent     float64 `mapstructure:"TotalCurrent"`
	SOCPercent       float64 `mapstructure:"SOCPercent"`
	MaxCellVoltage   float64 `mapstructure:"MaxCellVoltage"`
	MinCellVoltage   float64 `mapstructure:"MinCellVoltage"`
	MaxCellTemp      float64 `mapstructure:"MaxCellTemp"`
	MinCellTemp      float64 `mapstructure:"MinCellTemp"`
	ActiveNodes      uint16  `mapstructure:"ActiveNodes"`
	AlarmFlags       uint16  `mapstructure:"AlarmFlags"`
	Mode             uint16  `mapstructure:"Mode"`
}

// blocks is a provisional layout, not a vendor map; swap in the controller's documented registers.
var blocks = []modbusaccess.RegisterBlock{
	{
		Name:         "Pack",
		StartAddr:    0,
		NumRegisters: 8,
		Registers: map[string]modbusaccess.Register{
			"TotalBattVoltage": {
				StartAddr:   0,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: modbusaccess.DivideBy(100),
			},
			"TotalLoadVoltage": {
				StartAddr:   1,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: modbusaccess.DivideBy(100),
			},
			"TotalCurrent": {
				StartAddr:   2,
				DataType:    modbusaccess.Int32Type,
				ScalingFunc: modbusaccess.DivideBy(1000),
			},
			"SOCPercent": {
				StartAddr:   4,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: modbusaccess.DivideBy(10),
			},
			"ActiveNodes": {
				StartAddr:   5,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: nil,
			},
			"AlarmFlags": {
				StartAddr:   6,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: nil,
			},
			"Mode": {
				StartAddr:   7,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: nil,
			},
		},
	},
	{
		Name:         "Cells",
		StartAddr:    100,
		NumRegisters: 4,
		Registers: map[string]modbusaccess.Register{
			"MaxCellVoltage": {
				StartAddr:   100,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: modbusaccess.DivideBy(1000),
			},
			"MinCellVoltage": {
				StartAddr:   101,
				DataType:    modbusaccess.Uint16Type,
				ScalingFunc: modbusaccess.DivideBy(1000),
			},
			"MaxCellTemp": {
				StartAddr:   102,
				DataType:    modbusaccess.Int16Type,
				ScalingFunc: modbusaccess.DivideBy(10),
			},
			"MinCellTemp": {
				StartAddr:   103,
				DataType:    modbusaccess.Int16Type,
				ScalingFunc: modbusaccess.DivideBy(10),
			},
		},
	},
}
