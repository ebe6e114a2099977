package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figsettings/fig/pkg/models"
)

func TestDecodeDocuments_SkipsUnreadableRows(t *testing.T) {
	docs := []document{
		{key: models.ClientKey{Name: "billing"}, data: []byte(`{"name":"billing","settings":[]}`)},
		{key: models.ClientKey{Name: "broken", Instance: "eu"}, data: []byte(`{"name":`)},
		{key: models.ClientKey{Name: "orders"}, data: []byte(`{"name":"orders","settings":[]}`)},
	}

	var got []string
	err := decodeDocuments(docs, func(_ models.ClientKey, c models.ClientRegistration) {
		got = append(got, c.Name)
	})
	assert.Equal(t, []string{"billing", "orders"}, got)

	skipped, rest := Partial(err)
	require.NoError(t, rest)
	require.NotNil(t, skipped)
	require.Len(t, skipped.Records, 1)
	assert.Equal(t, "broken/eu", skipped.Records[0].Client)
}

func TestDecodeDocuments_KeepsOwnerKey(t *testing.T) {
	docs := []document{
		{key: models.ClientKey{Name: "orders", Instance: "eu"}, data: []byte(`{"run_session_id":"r1"}`)},
	}
	var got []models.ClientKey
	err := decodeDocuments(docs, func(key models.ClientKey, rs models.RunSession) {
		assert.Equal(t, "r1", rs.RunSessionID)
		got = append(got, key)
	})
	require.NoError(t, err)
	assert.Equal(t, []models.ClientKey{{Name: "orders", Instance: "eu"}}, got)
}

func TestPartial(t *testing.T) {
	skipped, rest := Partial(nil)
	assert.Nil(t, skipped)
	assert.NoError(t, rest)

	boom := errors.New("connection reset")
	skipped, rest = Partial(boom)
	assert.Nil(t, skipped)
	assert.Equal(t, boom, rest)
}
