package rand

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

// LetterString returns a random string picked in the [0-9]|[a-z] range,
// used for session instance identifiers.
func LetterString(n int) string {
	return string(randLetterBytes(n))
}

var (
	onceSource  sync.Once
	rgen        *rand.Rand
	onceLetters sync.Once
	randMutex   sync.Mutex
	letters     []byte
)

func seed() {
	src := rand.NewSource(time.Now().UnixNano())
	rgen = rand.New(src) // #nosec
}

func makeLetters() {
	// pads "a" over 256 locations (0-9 U a-z makes up to 252 only and we want to cover the range of uint8),
	// so "a" is slightly more frequent than other signs. The trade-off here is speed over exact randomness
	letters = bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789a"), 7)
}

func randLetterBytes(n int) []byte {
	onceSource.Do(seed)
	onceLetters.Do(makeLetters)
	buf := make([]byte, n)
	randMutex.Lock()
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
	for i, b := range buf {
		buf[i] = letters[b]
	}
	return buf
}
