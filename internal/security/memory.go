//go:build unix
// +build unix

package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes holds key material in memory that is locked against
// swapping (when privileges allow) and zeroed on Destroy. Use it for
// master secrets and anything else whose lifetime outlives a single
// call.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes allocates locked storage of the given size.
// mlock failure is non-fatal: the bytes are still wiped on Destroy,
// they just may touch swap on constrained systems.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb, nil
}

// FromBytes moves existing data into locked storage. The original
// slice is wiped after the copy.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}

	copy(sb.data, data)
	Wipe(data)

	return sb, nil
}

// Bytes returns the underlying slice. Do not store the result; use it
// and let it go.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy returns a copy of the data. The caller owns the copy and is
// responsible for wiping it.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the length of the stored data.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy wipes the data and releases the memory lock. Safe to call
// more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}

	wipeBytes(s.data)

	if s.locked {
		s.unlock()
	}

	s.data = nil
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}

	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	if err := unix.Mlock((*[1 << 30]byte)(ptr)[:size:size]); err != nil {
		return err
	}

	s.locked = true
	return nil
}

func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}

	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	unix.Munlock((*[1 << 30]byte)(ptr)[:size:size])
	s.locked = false
}
