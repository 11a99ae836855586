// Copyright (c) 2024 The Sluice Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package processing

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/store"
)

// A recordHandler is the per-stage half of the chunk loop. preprocessChunk
// may preload state for a whole chunk, processRecord handles one record (its
// error aborts the file), and endChunk closes out any grouping state before
// the chunk's updates are flushed.
type recordHandler interface {
	preprocessChunk(ctx context.Context, chunk []*entities.Record) error
	processRecord(ctx context.Context, record *entities.Record) error
	endChunk(ctx context.Context) error
}

// A chunkRunner streams a file's records through a handler in chunks, queuing
// record updates and flushing them in unordered bulk writes. Chunk and queue
// sizes shrink proportionally when records are grouped into upload batches of
// size m, so a flush never lands mid-batch.
type chunkRunner struct {
	p          *processor
	chunkSize  int
	maxPending int

	pending   []store.UpdateOp
	lastFlush time.Time
}

func newChunkRunner(p *processor, batchSize int) *chunkRunner {
	m := batchSize
	if m < 1 {
		m = 1
	}
	maxPending := maxPendingCap / m
	if maxPending > 1000 {
		maxPending = 1000
	}
	if maxPending < 1 {
		maxPending = 1
	}
	chunk := p.env.chunkSize() / m
	if chunk < 1 {
		chunk = 1
	}
	return &chunkRunner{
		p:          p,
		chunkSize:  chunk * m,
		maxPending: maxPending,
		lastFlush:  time.Now(),
	}
}

// queue adds record updates to the pending set.
func (c *chunkRunner) queue(ops ...store.UpdateOp) {
	c.pending = append(c.pending, ops...)
}

// queueRecord queues an update of the named record fields, keyed by id.
func (c *chunkRunner) queueRecord(record *entities.Record, fields []string, appendFields ...string) error {
	update, err := store.RecordUpdate(record, fields, appendFields...)
	if err != nil {
		return err
	}
	c.queue(store.UpdateOp{Filter: bson.M{"_id": record.Id}, Update: update})
	return nil
}

// flush writes the pending record updates and the file's current stats, so a
// crash loses at most one flush interval of progress.
func (c *chunkRunner) flush(ctx context.Context) error {
	if len(c.pending) > 0 {
		if err := c.p.env.DB.Records.BulkWrite(ctx, c.pending); err != nil {
			return err
		}
		c.pending = c.pending[:0]
	}
	if err := c.p.updateFile(ctx, []string{"stats", "times"}); err != nil {
		return err
	}
	c.lastFlush = time.Now()
	return nil
}

// run streams the records selected by filter through the handler. The filter
// should be a record-range filter so the whole file is covered in id order;
// sortField optionally groups records (the uploader's batch key) ahead of the
// id sort.
func (c *chunkRunner) run(ctx context.Context, handler recordHandler, filter bson.M, sortField string) error {
	cursor, err := c.p.env.DB.Records.Find(ctx, filter, sortField)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	chunk := make([]*entities.Record, 0, c.chunkSize)
	handled := int64(0)
	for {
		record, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if record == nil {
			break
		}
		chunk = append(chunk, record)
		handled++
		if len(chunk) == c.chunkSize {
			if err := c.runChunk(ctx, handler, chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
		if c.p.limit > 0 && handled >= c.p.limit {
			break
		}
	}
	if len(chunk) > 0 {
		if err := c.runChunk(ctx, handler, chunk); err != nil {
			return err
		}
	}
	return c.flush(ctx)
}

func (c *chunkRunner) runChunk(ctx context.Context, handler recordHandler, chunk []*entities.Record) error {
	if err := handler.preprocessChunk(ctx, chunk); err != nil {
		return err
	}
	for _, record := range chunk {
		if err := handler.processRecord(ctx, record); err != nil {
			return err
		}
	}
	if err := handler.endChunk(ctx); err != nil {
		return err
	}
	if len(c.pending) >= c.maxPending || time.Since(c.lastFlush) > flushInterval {
		return c.flush(ctx)
	}
	return nil
}
