/*
 *	Copyright 2025 The FedLearn Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package progress carries training progress out of the pipeline to whatever
// front-end embeds it: a percent value in [0, 100], a human-readable status
// line, and per-epoch loss/accuracy notifications.
//
// Reporter callbacks are invoked synchronously at the pipeline's natural
// pause points (after a decode chunk, after an epoch, after packaging), so
// the embedding caller is responsible for any UI marshaling. The epoch
// Observer is the opposite: notifications are fire-and-forget, and a slow or
// failing observer never stalls the training loop.
package progress

import "fmt"

// Reporter delivers percent and status updates. Both callbacks are optional,
// and a nil *Reporter is valid: all methods become no-ops.
type Reporter struct {
	// OnPercent receives values in [0, 100]. Monotonicity is not guaranteed
	// across phases, only within one.
	OnPercent func(percent float64)

	// OnStatus receives short human-readable phase descriptions.
	OnStatus func(status string)
}

// Percent reports a value in [0, 100].
func (r *Reporter) Percent(percent float64) {
	if r == nil || r.OnPercent == nil {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	r.OnPercent(percent)
}

// Statusf formats and reports a status line.
func (r *Reporter) Statusf(format string, args ...any) {
	if r == nil || r.OnStatus == nil {
		return
	}
	r.OnStatus(fmt.Sprintf(format, args...))
}

// EpochFn receives the metrics of one finished epoch. Epochs are numbered
// from 1.
type EpochFn func(epoch int, loss, accuracy float64)

type epochEvent struct {
	epoch          int
	loss, accuracy float64
}

// Observer dispatches per-epoch notifications to an EpochFn on its own
// goroutine. Notify never blocks: if the receiver lags behind the buffer,
// events are dropped.
type Observer struct {
	events chan epochEvent
	done   chan struct{}
}

// NewObserver starts an observer delivering events to fn.
// Callers should Close it once training is over.
func NewObserver(fn EpochFn) *Observer {
	o := &Observer{
		events: make(chan epochEvent, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(o.done)
		for ev := range o.events {
			fn(ev.epoch, ev.loss, ev.accuracy)
		}
	}()
	return o
}

// Notify sends one epoch event without blocking. A nil *Observer is valid
// and drops everything.
func (o *Observer) Notify(epoch int, loss, accuracy float64) {
	if o == nil {
		return
	}
	select {
	case o.events <- epochEvent{epoch: epoch, loss: loss, accuracy: accuracy}:
	default:
		// Receiver is behind; drop rather than stall training.
	}
}

// Close stops the dispatch goroutine after draining buffered events.
func (o *Observer) Close() {
	if o == nil {
		return
	}
	close(o.events)
	<-o.done
}
