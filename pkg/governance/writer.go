// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package governance

import (
	"context"
	"log/slog"
	"time"
)

// writer moves audit records from the hot path to the sink in batches. A
// record is enqueued without blocking; a full queue falls back to a direct
// synchronous write so nothing is lost. Queries ORDER BY (createdAt, id),
// so the fallback cannot reorder the trail as consumers see it.
type writer struct {
	sink      Sink
	queue     chan AuditRecord
	batchSize int
	interval  time.Duration

	flushReq chan chan error
	quit     chan struct{}
	done     chan struct{}
}

func newWriter(sink Sink, queueSize, batchSize int, interval time.Duration) *writer {
	if queueSize <= 0 {
		queueSize = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	w := &writer{
		sink:      sink,
		queue:     make(chan AuditRecord, queueSize),
		batchSize: batchSize,
		interval:  interval,
		flushReq:  make(chan chan error),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue hands a record to the background loop. It never blocks the caller.
func (w *writer) enqueue(rec AuditRecord) {
	select {
	case w.queue <- rec:
	default:
		slog.Warn("Audit queue full, writing record directly", "id", rec.ID, "action", rec.Action)
		w.write([]AuditRecord{rec})
	}
}

func (w *writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]AuditRecord, 0, w.batchSize)

	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.write(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.write(batch)
				batch = batch[:0]
			}
		case ack := <-w.flushReq:
			batch = w.drain(batch)
			if len(batch) > 0 {
				w.write(batch)
				batch = batch[:0]
			}
			ack <- nil
		case <-w.quit:
			batch = w.drain(batch)
			if len(batch) > 0 {
				w.write(batch)
			}
			return
		}
	}
}

// drain empties whatever is queued right now into the batch.
func (w *writer) drain(batch []AuditRecord) []AuditRecord {
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (w *writer) write(batch []AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.sink.Append(ctx, batch); err != nil {
		slog.Error("Failed to persist audit batch", "records", len(batch), "error", err)
	}
}

// flush synchronously drains the queue and writes the pending batch.
func (w *writer) flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case w.flushReq <- ack:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the loop after a final drain and waits for it to finish.
func (w *writer) close(ctx context.Context) error {
	close(w.quit)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
