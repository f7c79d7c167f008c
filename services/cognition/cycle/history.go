// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

// ringBuffer is a fixed-size circular buffer holding the most recent
// cycles. When full, the oldest item is overwritten.
//
// # Thread Safety
//
// NOT safe for concurrent use; the Engine guards it with its mutex.
type ringBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ringBuffer[T]{data: make([]T, capacity)}
}

func (r *ringBuffer[T]) push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// slice returns a copy of the items, oldest first.
func (r *ringBuffer[T]) slice() []T {
	out := make([]T, 0, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}

func (r *ringBuffer[T]) len() int { return r.count }
