package fieldbus

import (
	"fmt"
	"time"
)

// Range is a byte range inside the process image
type Range struct {
	Offset int
	Length int
}

// End offset (exclusive)
func (r Range) End() int {
	return r.Offset + r.Length
}

// Slice returns the sub-slice of image covered by r, or an error if r
// does not fit in image.
func (r Range) Slice(image []byte) ([]byte, error) {
	if r.Offset < 0 || r.Length < 0 || r.End() > len(image) {
		return nil, fmt.Errorf("range [%v:%v] outside of image (%v bytes)", r.Offset, r.End(), len(image))
	}
	return image[r.Offset:r.End():r.End()], nil
}

// Identity of a slave as read during discovery
type Identity struct {
	VendorID  uint32
	ProductID uint32
	Revision  uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("vendor x%08x product x%08x rev x%x", id.VendorID, id.ProductID, id.Revision)
}

// ParameterWriter performs one-shot parameter writes on a slave.
// It is implemented by every [Driver].
type ParameterWriter interface {
	WriteParameter(position uint16, index uint16, subindex uint8, value any, timeout time.Duration) error
}

// SetupHook is called once per slave while it is in PRE-OP, before the
// process image mapping is finalized.
type SetupHook func(w ParameterWriter, position uint16) error

// Slave descriptor. Descriptors live inside [Storage] and are filled by
// the driver during discovery and mapping.
type Slave struct {
	Name     string
	Address  uint16
	Identity Identity
	// Current state as last polled
	State      State
	StatusCode uint16
	Outputs    Range
	Inputs     Range
	HasDC      bool

	setup     SetupHook
	setupDone bool
}

// RegisterSetupHook registers the pre-operational configuration hook.
// Registering again replaces a hook that has not run yet.
func (s *Slave) RegisterSetupHook(hook SetupHook) {
	s.setup = hook
}

// RunSetup invokes the setup hook if one is registered and it has not
// run yet. The hook is marked as done even if it fails.
func (s *Slave) RunSetup(w ParameterWriter, position uint16) error {
	if s.setup == nil || s.setupDone {
		return nil
	}
	s.setupDone = true
	return s.setup(w, position)
}

// SetupDone reports whether the setup hook was invoked
func (s *Slave) SetupDone() bool {
	return s.setupDone
}

// Reset clears a descriptor before rediscovery
func (s *Slave) Reset() {
	*s = Slave{}
}
