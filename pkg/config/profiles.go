package config

import (
	"fmt"
	"sort"

	"github.com/samsamfire/goecat/pkg/fieldbus"
)

// Drive setup profiles
const (
	ProfileAKD           = "akd"
	ProfileCiA402CANopen = "cia402-canopen"
	ProfileNone          = "none"
)

// AKD fixed PDOs for cyclic synchronous velocity
const (
	akdRxPDOVelocity uint16 = 0x1702
	akdTxPDOPosition uint16 = 0x1B01
	// FBUS.PARAM05
	akdFbusParam05 uint16 = 0x36E9
)

var profiles = map[string]fieldbus.SetupHook{
	ProfileAKD:           SetupAKD,
	ProfileCiA402CANopen: SetupCiA402CANopen,
	ProfileNone:          nil,
}

// Profile returns the setup hook registered under name. The "none" profile
// returns a nil hook.
func Profile(name string) (fieldbus.SetupHook, error) {
	hook, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown drive profile %q, available %v", name, Profiles())
	}
	return hook, nil
}

func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetupAKD configures an AKD drive for cyclic synchronous velocity with
// the fixed 0x1702 / 0x1B01 PDOs and a 2 ms interpolation period
func SetupAKD(w fieldbus.ParameterWriter, position uint16) error {
	config := NewConfigurator(w, position, nil)
	config.logger.Debug("setup AKD")
	if err := config.ClearSyncManagers(); err != nil {
		return err
	}
	if err := config.AssignPDOs(EntrySMOutputsAssign, akdRxPDOVelocity); err != nil {
		return err
	}
	if err := config.AssignPDOs(EntrySMInputsAssign, akdTxPDOPosition); err != nil {
		return err
	}
	if err := config.WriteModeOfOperation(ModeCyclicSyncVelocity); err != nil {
		return err
	}
	if err := config.WriteInterpolationPeriod(2, -3); err != nil {
		return err
	}
	// Position scaling from 0x6091 / 0x6092
	return config.WriteRaw(akdFbusParam05, 0, uint32(0))
}

// SetupCiA402CANopen maps control word and target velocity on RPDO1,
// position and status word on TPDO1 (synchronous) and selects cyclic
// synchronous velocity
func SetupCiA402CANopen(w fieldbus.ParameterWriter, position uint16) error {
	config := NewConfigurator(w, position, nil)
	config.logger.Debug("setup CiA402 over CANopen")
	err := config.WriteMappings(EntryRPDOMappingStart, []PDOMappingParameter{
		{Index: EntryControlword, Subindex: 0, LengthBits: 16},
		{Index: EntryTargetVelocity, Subindex: 0, LengthBits: 32},
	})
	if err != nil {
		return err
	}
	err = config.WriteMappings(EntryTPDOMappingStart, []PDOMappingParameter{
		{Index: EntryPositionActual, Subindex: 0, LengthBits: 32},
		{Index: EntryStatusword, Subindex: 0, LengthBits: 16},
	})
	if err != nil {
		return err
	}
	if err := config.WriteTransmissionType(EntryTPDOCommunicationStart, 1); err != nil {
		return err
	}
	return config.WriteModeOfOperation(ModeCyclicSyncVelocity)
}
