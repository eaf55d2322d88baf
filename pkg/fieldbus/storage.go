package fieldbus

const (
	MaxSlaves   = 16
	MaxGroups   = 2
	IOMapSize   = 4096
	ESIBufSize  = 4096
	MailboxSize = 1486
)

// Group of slaves sharing one logical process image region
type Group struct {
	Outputs     Range
	Inputs      Range
	ExpectedWKC int
}

// noCopy may be embedded into structs which must not be copied
// after first use. See https://golang.org/issues/8005#issuecomment-190753527
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Storage is every piece of memory a driver may reference while bound.
// It is allocated once by its owner, never resized and never copied, so
// any address taken inside it stays valid until the driver is closed.
type Storage struct {
	_ noCopy

	// Index 0 is unused, slaves are addressed 1..SlaveCount
	Slaves     [MaxSlaves + 1]Slave
	SlaveCount int
	// Capacity limits discovery, Capacity <= MaxSlaves
	Capacity int
	Groups   [MaxGroups]Group
	// Distributed clock time of the last exchange, in ns
	DCTime int64
	IOMap  [IOMapSize]byte
	// Scratch buffers for drivers (identity reads, mailbox)
	ESIBuf  [ESIBufSize]byte
	Mailbox [MailboxSize]byte
}

// NewStorage allocates a storage arena limited to capacity slaves
func NewStorage(capacity int) *Storage {
	s := new(Storage)
	s.Capacity = capacity
	return s
}

// Slave returns the descriptor at position, or nil when position is
// outside 1..SlaveCount.
func (s *Storage) Slave(position int) *Slave {
	if position < 1 || position > s.SlaveCount {
		return nil
	}
	return &s.Slaves[position]
}
