package dsp

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoKey struct {
	digest [sha256.Size]byte
	params Params
}

// Memo caches Bandpass results keyed on the content digest of the input
// and the filter parameters. Eviction is least-recently-used.
type Memo struct {
	cache *lru.Cache[memoKey, []float64]
}

// NewMemo returns a Memo holding at most size results. A size <= 0 returns
// a nil *Memo, which filters without caching.
func NewMemo(size int) (*Memo, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[memoKey, []float64](size)
	if err != nil {
		return nil, err
	}
	return &Memo{cache: c}, nil
}

// Bandpass is dsp.Bandpass with caching. The returned slice is always a
// fresh copy and may be modified by the caller.
func (m *Memo) Bandpass(samples []float64, p Params) ([]float64, error) {
	if m == nil {
		return Bandpass(samples, p)
	}
	key := memoKey{digest: digest(samples), params: p}
	if cached, ok := m.cache.Get(key); ok {
		return clone(cached), nil
	}
	out, err := Bandpass(samples, p)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, clone(out))
	return out, nil
}

// Len reports the number of cached results.
func (m *Memo) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}

func digest(samples []float64) [sha256.Size]byte {
	h := sha256.New()
	var buf [8]byte
	for _, v := range samples {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
