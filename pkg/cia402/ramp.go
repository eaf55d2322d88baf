package cia402

import (
	"fmt"

	ecat "github.com/samsamfire/goecat"
)

// Ramp is a velocity setpoint increasing by Step every tick until Max.
// A negative Step with a negative Max ramps downwards.
type Ramp struct {
	Step int32
	Max  int32
}

func (r Ramp) Validate() error {
	switch {
	case r.Step == 0:
		return &ecat.ConfigError{Op: "ramp", Err: fmt.Errorf("step is zero : %w", ecat.ErrIllegalArgument)}
	case r.Max == 0:
		return &ecat.ConfigError{Op: "ramp", Err: fmt.Errorf("max is zero : %w", ecat.ErrIllegalArgument)}
	case (r.Step > 0) != (r.Max > 0):
		return &ecat.ConfigError{
			Op:  "ramp",
			Err: fmt.Errorf("step %v and max %v have opposite signs : %w", r.Step, r.Max, ecat.ErrIllegalArgument),
		}
	}
	return nil
}

// At returns the setpoint after k ticks, min(k*Step, Max) in the direction
// of the ramp
func (r Ramp) At(k uint64) int32 {
	if k == 0 || r.Step == 0 {
		return 0
	}
	full := int64(r.Max) / int64(r.Step)
	if full < 0 {
		return 0
	}
	if k > uint64(full) {
		return r.Max
	}
	return int32(int64(k) * int64(r.Step))
}

func (r Ramp) String() string {
	return fmt.Sprintf("step %v max %v", r.Step, r.Max)
}
