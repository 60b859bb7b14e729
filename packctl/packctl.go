package packctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/modbusaccess"
	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/google/uuid"
	"github.com/grid-x/modbus"
	"github.com/mitchellh/mapstructure"
)

var (
	ErrNotConnected  = errors.New("pack controller not connected")
	ErrNotController = errors.New("device is not the pack controller")
)

// ClientSource hands out a connected Modbus client and is told when the client failed.
type ClientSource interface {
	Client() (modbus.Client, error)
	SetShouldReconnect()
}

// Reader takes live readings from the Pack Controller over Modbus.
type Reader struct {
	conn   ClientSource
	now    func() time.Time
	mu     sync.Mutex // one Modbus transaction at a time
	logger *slog.Logger
}

func New(conn ClientSource) *Reader {
	return &Reader{
		conn:   conn,
		now:    time.Now,
		logger: slog.Default().With("device_id", device.PackControllerID),
	}
}

// Latest reads the register blocks and returns them as a reading of the Pack Controller.
func (r *Reader) Latest(ctx context.Context, id device.ID) (telemetry.LatestReading, error) {
	if id.Kind != device.KindController {
		return telemetry.LatestReading{}, fmt.Errorf("%w: %s", ErrNotController, id.Raw)
	}
	if err := ctx.Err(); err != nil {
		return telemetry.LatestReading{}, err
	}

	regs, metrics, err := r.Read()
	if err != nil {
		return telemetry.LatestReading{}, err
	}
	return r.toReading(regs, metrics), nil
}

// Read polls all register blocks and decodes them.
func (r *Reader) Read() (ControllerRegisters, map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, err := r.conn.Client()
	if err != nil {
		return ControllerRegisters{}, nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	metrics, err := modbusaccess.PollBlocks(client, blocks)
	if err != nil {
		r.conn.SetShouldReconnect()
		r.logger.Error("Failed to poll pack controller", "error", err)
		return ControllerRegisters{}, nil, fmt.Errorf("poll pack controller: %w", err)
	}

	var regs ControllerRegisters
	err = mapstructure.Decode(metrics, &regs)
	if err != nil {
		return ControllerRegisters{}, nil, fmt.Errorf("decode metric map: %w", err)
	}

	return regs, metrics, nil
}

func (r *Reader) toReading(regs ControllerRegisters, metrics map[string]interface{}) telemetry.LatestReading {
	values := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if f, ok := modbusaccess.ToFloat(v); ok {
			values[k] = f
		}
	}

	return telemetry.LatestReading{
		ID:        uuid.New(),
		DeviceKey: device.PackControllerID,
		Time:      r.now(),
		Pack: telemetry.PackSnapshot{
			TotalBattVoltage: regs.TotalBattVoltage,
			TotalLoadVoltage: regs.TotalLoadVoltage,
			TotalCurrent:     regs.TotalCurrent,
		},
		StateOfCharge: telemetry.StateOfChargeSummary{
			SOCPercent: regs.SOCPercent,
		},
		Values: values,
	}
}
