package device

import (
	"errors"
	"sync"
)

// ErrInjected is returned by operations failed by a Faulty device.
var ErrInjected = errors.New("device: injected fault")

// FaultRule decides whether an operation at offset with length bytes fails.
type FaultRule func(offset uint64, length uint32) bool

// Faulty wraps a Device and fails operations matching its rules. Failed
// operations never reach the wrapped device.
type Faulty struct {
	Device

	mu         sync.RWMutex
	writeRules []FaultRule
	readRules  []FaultRule
}

// NewFaulty wraps dev without any rules.
func NewFaulty(dev Device) *Faulty {
	return &Faulty{Device: dev}
}

// FailWrites adds a rule for writes.
func (f *Faulty) FailWrites(rule FaultRule) {
	f.mu.Lock()
	f.writeRules = append(f.writeRules, rule)
	f.mu.Unlock()
}

// FailReads adds a rule for reads.
func (f *Faulty) FailReads(rule FaultRule) {
	f.mu.Lock()
	f.readRules = append(f.readRules, rule)
	f.mu.Unlock()
}

// Reset drops all rules.
func (f *Faulty) Reset() {
	f.mu.Lock()
	f.writeRules, f.readRules = nil, nil
	f.mu.Unlock()
}

// AtOffset matches operations starting at exactly off.
func AtOffset(off uint64) FaultRule {
	return func(offset uint64, _ uint32) bool { return offset == off }
}

// Always matches every operation.
func Always() FaultRule {
	return func(uint64, uint32) bool { return true }
}

func match(rules []FaultRule, offset uint64, length uint32) bool {
	for _, r := range rules {
		if r(offset, length) {
			return true
		}
	}
	return false
}

// WriteAsync fails matching writes asynchronously and forwards the rest.
func (f *Faulty) WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback) {
	f.mu.RLock()
	fail := match(f.writeRules, dstOffset, length)
	f.mu.RUnlock()
	if fail {
		go cb(ErrInjected, 0)
		return
	}
	f.Device.WriteAsync(src, dstOffset, length, cb)
}

// ReadAsync fails matching reads asynchronously and forwards the rest.
func (f *Faulty) ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback) {
	f.mu.RLock()
	fail := match(f.readRules, srcOffset, length)
	f.mu.RUnlock()
	if fail {
		go cb(ErrInjected, 0)
		return
	}
	f.Device.ReadAsync(srcOffset, dst, length, cb)
}
