package producerevents

import (
	"encoding/binary"

	"github.com/twmb/murmur3"

	"github.com/yandex/tracemux/pkg/capture"
)

type internEntry[T any] struct {
	key   uint64
	value T
}

// internTable assigns stable global keys to distinct content.
// The hash only selects a bucket; identity is decided by full equality.
type internTable[T any] struct {
	hash    func(value *T) uint64
	equal   func(lhs, rhs *T) bool
	clone   func(value *T) T
	buckets map[uint64][]internEntry[T]
	lastKey uint64
}

func newInternTable[T any](hash func(*T) uint64, equal func(*T, *T) bool, clone func(*T) T) *internTable[T] {
	return &internTable[T]{
		hash:    hash,
		equal:   equal,
		clone:   clone,
		buckets: make(map[uint64][]internEntry[T]),
	}
}

func (t *internTable[T]) find(value *T) (uint64, bool) {
	bucket := t.buckets[t.hash(value)]
	for i := range bucket {
		if t.equal(&bucket[i].value, value) {
			return bucket[i].key, true
		}
	}
	return capture.InvalidKey, false
}

// intern returns the key of the content, allocating a new one if the content
// was never seen. created reports whether the key is new.
func (t *internTable[T]) intern(value *T) (key uint64, created bool) {
	hash := t.hash(value)
	bucket := t.buckets[hash]
	for i := range bucket {
		if t.equal(&bucket[i].value, value) {
			return bucket[i].key, false
		}
	}

	t.lastKey++
	t.buckets[hash] = append(t.buckets[hash], internEntry[T]{key: t.lastKey, value: t.clone(value)})
	return t.lastKey, true
}

func (t *internTable[T]) size() int {
	return int(t.lastKey)
}

////////////////////////////////////////////////////////////////////////////////

func hashCallstack(callstack *capture.Callstack) uint64 {
	buf := make([]byte, 0, 8*(len(callstack.PCs)+1))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(callstack.Type))
	for _, pc := range callstack.PCs {
		buf = binary.LittleEndian.AppendUint64(buf, pc)
	}
	return murmur3.Sum64(buf)
}

func equalCallstack(lhs, rhs *capture.Callstack) bool {
	return lhs.Equal(rhs)
}

func cloneCallstack(callstack *capture.Callstack) capture.Callstack {
	return callstack.Clone()
}

func hashString(s *string) uint64 {
	return murmur3.StringSum64(*s)
}

func equalString(lhs, rhs *string) bool {
	return *lhs == *rhs
}

func cloneString(s *string) string {
	return *s
}

func hashTracepointInfo(info *capture.TracepointInfo) uint64 {
	// Separator keeps ("ab", "c") and ("a", "bc") apart.
	return murmur3.StringSum64(info.Category + "\x00" + info.Name)
}

func equalTracepointInfo(lhs, rhs *capture.TracepointInfo) bool {
	return *lhs == *rhs
}

func cloneTracepointInfo(info *capture.TracepointInfo) capture.TracepointInfo {
	return *info
}
