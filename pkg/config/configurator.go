package config

import (
	"time"

	"github.com/samsamfire/goecat/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
)

// Object dictionary entries written by the setup profiles
const (
	EntryCommunicationCyclePeriod uint16 = 0x1006
	EntryProducerHeartbeatTime    uint16 = 0x1017
	EntryRPDOCommunicationStart   uint16 = 0x1400
	EntryRPDOMappingStart         uint16 = 0x1600
	EntryTPDOCommunicationStart   uint16 = 0x1800
	EntryTPDOMappingStart         uint16 = 0x1A00
	EntrySMOutputsAssign          uint16 = 0x1C12
	EntrySMInputsAssign           uint16 = 0x1C13
	EntryControlword              uint16 = 0x6040
	EntryStatusword               uint16 = 0x6041
	EntryModesOfOperation         uint16 = 0x6060
	EntryPositionActual           uint16 = 0x6064
	EntryInterpolationPeriod      uint16 = 0x60C2
	EntryTargetVelocity           uint16 = 0x60FF
)

// Cyclic synchronous velocity mode (0x6060)
const ModeCyclicSyncVelocity int8 = 9

// PDOMappingParameter is one mapped object inside a PDO
type PDOMappingParameter struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

// Raw 32 bit mapping entry
func (m PDOMappingParameter) Raw() uint32 {
	return uint32(m.Index)<<16 | uint32(m.Subindex)<<8 | uint32(m.LengthBits)
}

// Configurator writes configuration objects of a single slave through its
// mailbox. Every write uses the same timeout.
type Configurator struct {
	logger   *log.Entry
	writer   fieldbus.ParameterWriter
	position uint16
	timeout  time.Duration
}

func NewConfigurator(w fieldbus.ParameterWriter, position uint16, logger *log.Entry) *Configurator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Configurator{
		logger:   logger.WithFields(log.Fields{"service": "[CONFIG]", "position": position}),
		writer:   w,
		position: position,
		timeout:  fieldbus.MailboxTimeout,
	}
}

// WithTimeout sets the timeout of every following write
func (config *Configurator) WithTimeout(timeout time.Duration) *Configurator {
	if timeout > 0 {
		config.timeout = timeout
	}
	return config
}

func (config *Configurator) write(index uint16, subindex uint8, value any) error {
	config.logger.Debugf("write x%x:%x = %v", index, subindex, value)
	return config.writer.WriteParameter(config.position, index, subindex, value, config.timeout)
}

// AssignPDOs assigns pdos to a sync manager (0x1C12 or 0x1C13) then
// writes their count. The assignment must have been cleared before, slaves
// refuse changes to an active one.
func (config *Configurator) AssignPDOs(syncManager uint16, pdos ...uint16) error {
	for i, pdo := range pdos {
		if err := config.write(syncManager, uint8(i+1), pdo); err != nil {
			return err
		}
	}
	return config.write(syncManager, 0, uint8(len(pdos)))
}

// ClearSyncManagers empties both sync manager PDO assignments
func (config *Configurator) ClearSyncManagers() error {
	if err := config.write(EntrySMOutputsAssign, 0, uint8(0)); err != nil {
		return err
	}
	return config.write(EntrySMInputsAssign, 0, uint8(0))
}

func (config *Configurator) WriteModeOfOperation(mode int8) error {
	return config.write(EntryModesOfOperation, 0, mode)
}

// WriteInterpolationPeriod writes 0x60C2 as units x 10^exponent seconds
func (config *Configurator) WriteInterpolationPeriod(units uint8, exponent int8) error {
	if err := config.write(EntryInterpolationPeriod, 1, units); err != nil {
		return err
	}
	return config.write(EntryInterpolationPeriod, 2, exponent)
}

// WriteMappings replaces the mapping of a PDO mapping object (0x16xx or
// 0x1Axx)
func (config *Configurator) WriteMappings(mappingIndex uint16, mappings []PDOMappingParameter) error {
	// First clear nb of mapped entries
	if err := config.write(mappingIndex, 0, uint8(0)); err != nil {
		return err
	}
	for sub, mapping := range mappings {
		if err := config.write(mappingIndex, uint8(sub)+1, mapping.Raw()); err != nil {
			return err
		}
	}
	return config.write(mappingIndex, 0, uint8(len(mappings)))
}

func (config *Configurator) WriteTransmissionType(communicationIndex uint16, transType uint8) error {
	return config.write(communicationIndex, 2, transType)
}

// Update a nodes heartbeat period in milliseconds
func (config *Configurator) WriteHeartbeatPeriod(periodMs uint16) error {
	return config.write(EntryProducerHeartbeatTime, 0, periodMs)
}

// WriteCommunicationPeriod writes the SYNC period in microseconds
func (config *Configurator) WriteCommunicationPeriod(period time.Duration) error {
	return config.write(EntryCommunicationCyclePeriod, 0, uint32(period.Microseconds()))
}

func (config *Configurator) WriteRaw(index uint16, subindex uint8, value any) error {
	return config.write(index, subindex, value)
}
