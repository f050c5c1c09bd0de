// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"encoding/binary"
	"math/bits"
)

var hostOrder = binary.LittleEndian

// maskBytes XORs b with the bytes of key starting at key position pos and
// returns the final key position. Applying it twice restores the input, so
// the same routine masks and unmasks.
func maskBytes(key [4]byte, pos int, b []byte) int {
	if len(b) < 8 {
		for i := range b {
			b[i] ^= key[pos&3]
			pos++
		}
		return pos & 3
	}

	// Widen the key to 64 bits and rotate it to the current position so
	// whole words can be XORed at once.
	key64 := uint64(hostOrder.Uint32(key[:]))
	key64 |= key64 << 32
	key64 = bits.RotateLeft64(key64, -pos*8)

	var i int
	for ; len(b)-i > 7; i += 8 {
		hostOrder.PutUint64(b[i:], hostOrder.Uint64(b[i:])^key64)
	}

	// A whole number of words leaves pos unchanged; finish the tail bytewise.
	for ; i < len(b); i++ {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
