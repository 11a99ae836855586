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

package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fileworks/sluice/entities"
)

// Mongo wraps a connected client and implements the DB collection surfaces.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client against the given URI, pings it, and returns a DB
// backed by the named database.
func Connect(ctx context.Context, uri, database string) (*DB, *Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("pinging document store: %w", err)
	}
	m := &Mongo{client: client, db: client.Database(database)}
	return m.DB(), m, nil
}

// DB returns the collection surfaces backed by this connection.
func (m *Mongo) DB() *DB {
	return &DB{
		Files:     &mongoFiles{m.db.Collection("files")},
		Records:   &mongoRecords{m.db.Collection("records")},
		Partners:  &mongoPartners{m.db.Collection("partners")},
		Functions: &mongoFunctions{m.db.Collection("functions")},
		Counters:  &mongoCounters{m.db.Collection("counters")},
		ApiLogs:   &mongoApiLogs{m.db.Collection("apilog")},
		CopyLogs:  &mongoCopyLogs{m.db.Collection("copylog")},
	}
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type mongoFiles struct {
	coll *mongo.Collection
}

func (c *mongoFiles) Get(ctx context.Context, id int64) (*entities.File, error) {
	var file entities.File
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (c *mongoFiles) Insert(ctx context.Context, file *entities.File) error {
	_, err := c.coll.InsertOne(ctx, file)
	return err
}

func (c *mongoFiles) Update(ctx context.Context, filter, update bson.M) (int64, error) {
	result, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.MatchedCount, nil
}

func (c *mongoFiles) BulkWrite(ctx context.Context, ops []UpdateOp) error {
	return bulkWrite(ctx, c.coll, ops)
}

func (c *mongoFiles) FindByStatus(ctx context.Context, status entities.FileStatus) ([]*entities.File, error) {
	cursor, err := c.coll.Find(ctx, bson.M{"status": status},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var files []*entities.File
	if err := cursor.All(ctx, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *mongoFiles) FindByPartnerAndName(ctx context.Context, partnerId, name string) (*entities.File, error) {
	var file entities.File
	err := c.coll.FindOne(ctx, bson.M{"partnerId": partnerId, "name": name}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

type mongoRecords struct {
	coll *mongo.Collection
}

type mongoRecordCursor struct {
	cursor *mongo.Cursor
}

func (c *mongoRecordCursor) Next(ctx context.Context) (*entities.Record, error) {
	if !c.cursor.Next(ctx) {
		return nil, c.cursor.Err()
	}
	var record entities.Record
	if err := c.cursor.Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *mongoRecordCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}

func (c *mongoRecords) Find(ctx context.Context, filter bson.M, sortField string) (RecordCursor, error) {
	sort := bson.D{}
	if sortField != "" {
		sort = append(sort, bson.E{Key: sortField, Value: 1})
	}
	sort = append(sort, bson.E{Key: "_id", Value: 1})
	cursor, err := c.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	return &mongoRecordCursor{cursor}, nil
}

func (c *mongoRecords) InsertMany(ctx context.Context, records []*entities.Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, len(records))
	for i, record := range records {
		docs[i] = record
	}
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c *mongoRecords) DeleteMany(ctx context.Context, filter bson.M) error {
	_, err := c.coll.DeleteMany(ctx, filter)
	return err
}

func (c *mongoRecords) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	result, err := c.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.MatchedCount, nil
}

func (c *mongoRecords) BulkWrite(ctx context.Context, ops []UpdateOp) error {
	return bulkWrite(ctx, c.coll, ops)
}

func (c *mongoRecords) UploadedHashes(ctx context.Context, hashes [][]byte) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}
	cursor, err := c.coll.Find(ctx, bson.M{
		"hash":   bson.M{"$in": hashes},
		"status": bson.M{"$gte": entities.RecordUploaded},
	}, options.Find().SetProjection(bson.M{"hash": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	found := make(map[string]bool)
	for cursor.Next(ctx) {
		var doc struct {
			Hash []byte `bson:"hash"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		found[string(doc.Hash)] = true
	}
	return found, cursor.Err()
}

type mongoPartners struct {
	coll *mongo.Collection
}

func (c *mongoPartners) All(ctx context.Context) ([]*entities.Partner, error) {
	cursor, err := c.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var partners []*entities.Partner
	if err := cursor.All(ctx, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}

type mongoFunctions struct {
	coll *mongo.Collection
}

func (c *mongoFunctions) ByIds(ctx context.Context, ids []string) (map[string]*entities.Function, error) {
	if len(ids) == 0 {
		return map[string]*entities.Function{}, nil
	}
	cursor, err := c.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	functions := make(map[string]*entities.Function)
	for cursor.Next(ctx) {
		var fn entities.Function
		if err := cursor.Decode(&fn); err != nil {
			return nil, err
		}
		functions[fn.Id] = &fn
	}
	return functions, cursor.Err()
}

func (c *mongoFunctions) Upsert(ctx context.Context, functions []*entities.Function) error {
	if len(functions) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(functions))
	for i, fn := range functions {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": fn.Id}).
			SetReplacement(fn).
			SetUpsert(true)
	}
	_, err := c.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

type mongoCounters struct {
	coll *mongo.Collection
}

func (c *mongoCounters) Next(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := c.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocating id from counter %s: %w", name, err)
	}
	return doc.Value, nil
}

type mongoApiLogs struct {
	coll *mongo.Collection
}

func (c *mongoApiLogs) Insert(ctx context.Context, log *entities.ApiLog) error {
	_, err := c.coll.InsertOne(ctx, log)
	return err
}

type mongoCopyLogs struct {
	coll *mongo.Collection
}

func (c *mongoCopyLogs) Insert(ctx context.Context, log *entities.CopyLog) error {
	_, err := c.coll.InsertOne(ctx, log)
	return err
}

func bulkWrite(ctx context.Context, coll *mongo.Collection, ops []UpdateOp) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(ops))
	for i, op := range ops {
		if op.Many {
			models[i] = mongo.NewUpdateManyModel().SetFilter(op.Filter).SetUpdate(op.Update)
		} else {
			models[i] = mongo.NewUpdateOneModel().SetFilter(op.Filter).SetUpdate(op.Update)
		}
	}
	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}
