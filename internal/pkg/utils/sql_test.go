package utils

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSQLStr(t *testing.T) {
	assert.Equal(t, sql.NullString{String: "olia", Valid: true}, ToSQLStr("olia"))
	assert.Equal(t, sql.NullString{String: "", Valid: false}, ToSQLStr(""))
}

func TestFromSQLStr(t *testing.T) {
	assert.Equal(t, "olia", FromSQLStr(sql.NullString{String: "olia", Valid: true}))
	assert.Equal(t, "", FromSQLStr(sql.NullString{String: "olia", Valid: false}))
}
