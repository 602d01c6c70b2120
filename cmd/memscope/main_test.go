package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/internal/codec"
)

func TestParseFieldSubsetNames(t *testing.T) {
	bits, err := parseFieldSubset("var_name,type_name")
	require.NoError(t, err)
	assert.Equal(t, codec.FieldVarName|codec.FieldTypeName, bits)
}

func TestParseFieldSubsetEmptyMeansAll(t *testing.T) {
	bits, err := parseFieldSubset("")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), bits)
}

func TestParseFieldSubsetNumeric(t *testing.T) {
	bits, err := parseFieldSubset("3")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), bits)
}

func TestParseFieldSubsetUnknownName(t *testing.T) {
	_, err := parseFieldSubset("not_a_field")
	assert.Error(t, err)
}

func TestCodeForMapsCodecErrorsToExitCodes(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	assert.Equal(t, exitOK, codeFor(nil, logger))
	assert.Equal(t, exitInvalidFile, codeFor(codec.ErrBadMagic, logger))
	assert.Equal(t, exitInvalidFile, codeFor(codec.ErrChecksumMismatch, logger))
	assert.Equal(t, exitUnsupportedVer, codeFor(codec.ErrUnsupportedVersion, logger))
	assert.Equal(t, exitTruncatedReadable, codeFor(codec.ErrTruncated, logger))
	assert.Equal(t, exitOther, codeFor(assertError{}, logger))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
