package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/sentinel/pkg/errors"
)

type sample struct {
	SubjectID string   `validate:"required,max=8"`
	Action    string   `validate:"oneof=read write"`
	Entries   []string `validate:"dive,ipnet"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(sample{SubjectID: "alice", Action: "read", Entries: []string{"10.0.0.0/8", "192.0.2.1", "192.0.2.1-192.0.2.9"}}))

	err := ValidateStruct(sample{SubjectID: "", Action: "delete"})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
	assert.Contains(t, err.Error(), "subject_id is required")
	assert.Contains(t, err.Error(), "action must be one of")

	err = ValidateStruct(sample{SubjectID: "alice", Action: "read", Entries: []string{"10.0.0.0/33"}})
	assert.Error(t, err)
	err = ValidateStruct(sample{SubjectID: "alice", Action: "read", Entries: []string{"nope-10.0.0.1"}})
	assert.Error(t, err)
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "subject_id", toSnakeCase("SubjectID"))
	assert.Equal(t, "retention_days", toSnakeCase("RetentionDays"))
}
