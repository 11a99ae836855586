// This package contains testing utilities for the Sluice pipeline: an
// in-memory stand-in for the document store and a recording enqueuer, so
// stage tests can run against real filter and update documents without a
// MongoDB instance.
package sluicetest

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/store"
)

// Enables DEBUG log messages for Sluice's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

//------------------------
// Document Store Fixture
//------------------------

// A Store is an in-memory document store. It interprets the filter and
// update documents the pipeline emits, so tests exercise the same write
// shapes that reach MongoDB in production.
type Store struct {
	mu        sync.Mutex
	files     map[int64]*entities.File
	records   map[int64]*entities.Record
	partners  []*entities.Partner
	functions map[string]*entities.Function
	counters  map[string]int64
	apiLogs   []*entities.ApiLog
	copyLogs  []*entities.CopyLog
}

func NewStore() *Store {
	return &Store{
		files:     make(map[int64]*entities.File),
		records:   make(map[int64]*entities.Record),
		functions: make(map[string]*entities.Function),
		counters:  make(map[string]int64),
	}
}

// DB wires the fixture into the collection interfaces the stages consume.
func (s *Store) DB() *store.DB {
	return &store.DB{
		Files:     &fakeFiles{s},
		Records:   &fakeRecords{s},
		Partners:  &fakePartners{s},
		Functions: &fakeFunctions{s},
		Counters:  &fakeCounters{s},
		ApiLogs:   &fakeApiLogs{s},
		CopyLogs:  &fakeCopyLogs{s},
	}
}

func (s *Store) AddPartner(partner *entities.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners = append(s.partners, partner)
}

func (s *Store) AddFunctions(fns ...*entities.Function) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range fns {
		s.functions[fn.Id] = fn
	}
}

func (s *Store) PutFile(file *entities.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.Id] = copyFile(file)
}

func (s *Store) PutRecords(records ...*entities.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		s.records[record.Id] = copyRecord(record)
	}
}

// File returns a copy of the stored file document, or nil.
func (s *Store) File(id int64) *entities.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil
	}
	return copyFile(file)
}

// Record returns a copy of the stored record document, or nil.
func (s *Store) Record(id int64) *entities.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil
	}
	return copyRecord(record)
}

// FileRecords returns copies of a file's records in id (line) order.
func (s *Store) FileRecords(fileId int64) []*entities.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*entities.Record
	for _, record := range s.records {
		if record.FileId() == fileId {
			records = append(records, copyRecord(record))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })
	return records
}

// ApiLogEntries returns the outbound API logs inserted so far.
func (s *Store) ApiLogEntries() []*entities.ApiLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entities.ApiLog{}, s.apiLogs...)
}

// CopyLogEntries returns the copier scan logs inserted so far.
func (s *Store) CopyLogEntries() []*entities.CopyLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entities.CopyLog{}, s.copyLogs...)
}

//------------------------
// Collection Fakes
//------------------------

type fakeFiles struct{ s *Store }

func (c *fakeFiles) Get(ctx context.Context, id int64) (*entities.File, error) {
	return c.s.File(id), nil
}

func (c *fakeFiles) Insert(ctx context.Context, file *entities.File) error {
	c.s.PutFile(file)
	return nil
}

func (c *fakeFiles) Update(ctx context.Context, filter bson.M, update bson.M) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	matched := int64(0)
	for _, file := range c.s.files {
		if matchFile(file, filter) {
			applyFileUpdate(file, filter, update)
			matched++
		}
	}
	return matched, nil
}

func (c *fakeFiles) BulkWrite(ctx context.Context, ops []store.UpdateOp) error {
	for _, op := range ops {
		if _, err := c.Update(ctx, op.Filter, op.Update); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeFiles) FindByStatus(ctx context.Context, status entities.FileStatus) ([]*entities.File, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var files []*entities.File
	for _, file := range c.s.files {
		if file.Status == status {
			files = append(files, copyFile(file))
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Id < files[j].Id })
	return files, nil
}

func (c *fakeFiles) FindByPartnerAndName(ctx context.Context, partnerId, name string) (*entities.File, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, file := range c.s.files {
		if file.PartnerId == partnerId && file.Name == name {
			return copyFile(file), nil
		}
	}
	return nil, nil
}

type fakeRecords struct{ s *Store }

type fakeCursor struct {
	records []*entities.Record
	next    int
}

func (c *fakeCursor) Next(ctx context.Context) (*entities.Record, error) {
	if c.next >= len(c.records) {
		return nil, nil
	}
	record := c.records[c.next]
	c.next++
	return record, nil
}

func (c *fakeCursor) Close(ctx context.Context) error {
	return nil
}

func (c *fakeRecords) Find(ctx context.Context, filter bson.M, sortField string) (store.RecordCursor, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var records []*entities.Record
	for _, record := range c.s.records {
		if matchRecord(record, filter) {
			records = append(records, copyRecord(record))
		}
	}
	sortKey := strings.TrimPrefix(sortField, "validatedFields.")
	sort.Slice(records, func(i, j int) bool {
		if sortField != "" {
			a, b := records[i].ValidatedFields[sortKey], records[j].ValidatedFields[sortKey]
			if a != b {
				return a < b
			}
		}
		return records[i].Id < records[j].Id
	})
	return &fakeCursor{records: records}, nil
}

func (c *fakeRecords) InsertMany(ctx context.Context, records []*entities.Record) error {
	c.s.PutRecords(records...)
	return nil
}

func (c *fakeRecords) DeleteMany(ctx context.Context, filter bson.M) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for id, record := range c.s.records {
		if matchRecord(record, filter) {
			delete(c.s.records, id)
		}
	}
	return nil
}

func (c *fakeRecords) UpdateMany(ctx context.Context, filter bson.M, update bson.M) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	matched := int64(0)
	for _, record := range c.s.records {
		if matchRecord(record, filter) {
			applyRecordUpdate(record, update)
			matched++
		}
	}
	return matched, nil
}

func (c *fakeRecords) BulkWrite(ctx context.Context, ops []store.UpdateOp) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, op := range ops {
		for _, record := range c.s.records {
			if matchRecord(record, op.Filter) {
				applyRecordUpdate(record, op.Update)
				if !op.Many {
					break
				}
			}
		}
	}
	return nil
}

func (c *fakeRecords) UploadedHashes(ctx context.Context, hashes [][]byte) (map[string]bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	wanted := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		wanted[string(hash)] = true
	}
	uploaded := make(map[string]bool)
	for _, record := range c.s.records {
		if record.Status >= entities.RecordUploaded && wanted[string(record.Hash)] {
			uploaded[string(record.Hash)] = true
		}
	}
	return uploaded, nil
}

type fakePartners struct{ s *Store }

func (c *fakePartners) All(ctx context.Context) ([]*entities.Partner, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return append([]*entities.Partner{}, c.s.partners...), nil
}

type fakeFunctions struct{ s *Store }

func (c *fakeFunctions) ByIds(ctx context.Context, ids []string) (map[string]*entities.Function, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	found := make(map[string]*entities.Function)
	for _, id := range ids {
		if fn, ok := c.s.functions[id]; ok {
			found[id] = fn
		}
	}
	return found, nil
}

func (c *fakeFunctions) Upsert(ctx context.Context, fns []*entities.Function) error {
	c.s.AddFunctions(fns...)
	return nil
}

type fakeCounters struct{ s *Store }

func (c *fakeCounters) Next(ctx context.Context, name string) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.counters[name]++
	return c.s.counters[name], nil
}

type fakeApiLogs struct{ s *Store }

func (c *fakeApiLogs) Insert(ctx context.Context, log *entities.ApiLog) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.apiLogs = append(c.s.apiLogs, log)
	return nil
}

type fakeCopyLogs struct{ s *Store }

func (c *fakeCopyLogs) Insert(ctx context.Context, log *entities.CopyLog) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.copyLogs = append(c.s.copyLogs, log)
	return nil
}

//------------------------
// Enqueuer Fixture
//------------------------

// An EnqueuedStep records one scheduling call.
type EnqueuedStep struct {
	Step       string
	FileId     int64
	Delay      time.Duration
	InstanceId string
}

// An Enqueuer records the steps the scheduler would have queued.
type Enqueuer struct {
	mu    sync.Mutex
	steps []EnqueuedStep
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (e *Enqueuer) Enqueue(ctx context.Context, step string, fileId int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, EnqueuedStep{Step: step, FileId: fileId})
	return nil
}

func (e *Enqueuer) EnqueueIn(ctx context.Context, step string, fileId int64, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, EnqueuedStep{Step: step, FileId: fileId, Delay: delay})
	return nil
}

func (e *Enqueuer) EnqueueReport(ctx context.Context, fileId int64, instanceId string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, EnqueuedStep{Step: "report", FileId: fileId, InstanceId: instanceId})
	return nil
}

// Steps returns the recorded scheduling calls in order.
func (e *Enqueuer) Steps() []EnqueuedStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EnqueuedStep{}, e.steps...)
}

//------------------------
// Deep Copies
//------------------------

func copyFile(f *entities.File) *entities.File {
	c := *f
	c.Tags = copyStringMap(f.Tags)
	c.HeaderColumns = append([]string(nil), f.HeaderColumns...)
	c.ParsedColumns = append([]string(nil), f.ParsedColumns...)
	c.ValidatedColumns = append([]string(nil), f.ValidatedColumns...)
	c.Log = append([]entities.ProcessingLog(nil), f.Log...)
	c.RecentErrors = append([]entities.ProcessingLog(nil), f.RecentErrors...)
	c.Outputs = append([]entities.OutputInstance(nil), f.Outputs...)
	if f.Stats.Steps != nil {
		c.Stats.Steps = make(map[string]*entities.StepStats, len(f.Stats.Steps))
		for key, step := range f.Stats.Steps {
			copied := *step
			c.Stats.Steps[key] = &copied
		}
	}
	return &c
}

func copyRecord(r *entities.Record) *entities.Record {
	c := *r
	c.RawColumns = append([]string(nil), r.RawColumns...)
	c.Hash = append([]byte(nil), r.Hash...)
	c.ParsedFields = copyStringMap(r.ParsedFields)
	c.ValidatedFields = copyStringMap(r.ValidatedFields)
	c.Log = append([]entities.ProcessingLog(nil), r.Log...)
	c.RecentErrors = append([]entities.ProcessingLog(nil), r.RecentErrors...)
	return &c
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
