package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
)

// tests whether the record range covers exactly one file's id space
func TestRecordRange(t *testing.T) {
	assert := assert.New(t)
	filter := RecordRange(42)
	bounds := filter["_id"].(bson.M)
	assert.Equal(int64(42)<<32, bounds["$gte"])
	assert.Equal(int64(42)<<32+recordIdSpan, bounds["$lte"])
	assert.Equal(entities.RecordId(42, 0xFFFFFFFF), bounds["$lte"],
		"The range must end at the file's last possible record id.")
}

// tests the status-narrowed range variants
func TestRecordRangeStatusFilters(t *testing.T) {
	assert := assert.New(t)

	filter := RecordRangeStatus(1, entities.RecordValidated)
	assert.Equal(entities.RecordValidated, filter["status"])

	filter = RecordRangeStatusAtLeast(1, entities.RecordUploaded)
	assert.Equal(bson.M{"$gte": entities.RecordUploaded}, filter["status"])

	statuses := []entities.RecordStatus{entities.RecordParseError, entities.RecordValidationError}
	filter = RecordRangeStatusIn(1, statuses)
	assert.Equal(bson.M{"$in": statuses}, filter["status"])
}
