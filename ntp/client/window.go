/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"github.com/eclesh/welford"
)

// slidingWindow keeps last size samples, newest first
type slidingWindow struct {
	size        int
	currentSize int
	samples     []float64
}

func newSlidingWindow(size int) *slidingWindow {
	if size < 1 {
		size = 1
	}
	return &slidingWindow{
		size:    size,
		samples: make([]float64, size),
	}
}

func (w *slidingWindow) add(sample float64) {
	if !w.full() {
		w.currentSize++
	}
	for i := w.currentSize - 1; i > 0; i-- {
		w.samples[i] = w.samples[i-1]
	}
	w.samples[0] = sample
}

func (w *slidingWindow) allSamples() []float64 {
	return w.samples[0:w.currentSize]
}

func (w *slidingWindow) full() bool {
	return w.currentSize == w.size
}

// stddev of samples in the window, 0 until there are at least two of them
func (w *slidingWindow) stddev() float64 {
	if w.currentSize < 2 {
		return 0
	}
	s := welford.New()
	for _, v := range w.allSamples() {
		s.Add(v)
	}
	return s.Stddev()
}
