package media

import (
	"math/rand"
	"sync"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

const iceChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// randomICEString generates ICE ufrag/pwd material.
func randomICEString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = iceChars[rand.Intn(len(iceChars))]
	}
	return string(b)
}
