package tree

import (
	"crypto/rand"
	"sync"
	"time"
)

// pushAlphabet sorts lexicographically in byte order, so keys built from it
// order by generation time.
const pushAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// keyGen produces 20-character keys: 8 characters of millisecond timestamp
// followed by 12 random characters. Keys generated in the same millisecond
// reuse the previous random suffix incremented by one, keeping order strict.
type keyGen struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	lastMs   int64
	lastRand [12]byte
}

func newKeyGen(nowFn func() time.Time) *keyGen {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &keyGen{nowFn: nowFn}
}

func (g *keyGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.nowFn().UnixMilli()
	if ms == g.lastMs {
		g.incrementRand()
	} else {
		g.lastMs = ms
		var buf [12]byte
		_, _ = rand.Read(buf[:])
		for i := range buf {
			g.lastRand[i] = buf[i] % 64
		}
	}

	var key [20]byte
	v := ms
	for i := 7; i >= 0; i-- {
		key[i] = pushAlphabet[v%64]
		v /= 64
	}
	for i, b := range g.lastRand {
		key[8+i] = pushAlphabet[b]
	}
	return string(key[:])
}

func (g *keyGen) incrementRand() {
	for i := len(g.lastRand) - 1; i >= 0; i-- {
		if g.lastRand[i] < 63 {
			g.lastRand[i]++
			return
		}
		g.lastRand[i] = 0
	}
}
