package mlx90393

import (
	"fmt"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/all"

	"github.com/cjeanneret/MagRail/internal/debug"
)

var _ Bus = embd.I2CBus(nil)

// OpenBus initializes the host I2C subsystem and returns bus number n
// (1 on every Raspberry Pi since the model B rev 2).
func OpenBus(n byte) (embd.I2CBus, error) {
	if err := embd.InitI2C(); err != nil {
		return nil, fmt.Errorf("init I2C: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("I2C bus %d opened", n)
	return embd.NewI2CBus(n), nil
}

// CloseBus releases the host I2C subsystem.
func CloseBus(bus embd.I2CBus) error {
	if err := bus.Close(); err != nil {
		return err
	}
	return embd.CloseI2C()
}
