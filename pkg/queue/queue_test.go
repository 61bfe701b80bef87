package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncDecName(t *testing.T) {
	queues := []Queue{
		{Type: "refreshLinks", Tenant: "enwiki"},
		{Type: "html/Cache Update", Tenant: "de wiki"},
		{Type: "a%2Fb", Tenant: "x/y"},
	}
	for _, q := range queues {
		dec, err := DecName(EncName(q))
		require.NoError(t, err)
		assert.Equal(t, q, dec)
	}
}

func TestEncName(t *testing.T) {
	assert.Equal(t, "refreshLinks/enwiki",
		EncName(Queue{Type: "refreshLinks", Tenant: "enwiki"}))
	assert.Equal(t, "html%2FCacheUpdate/enwiki",
		EncName(Queue{Type: "html/CacheUpdate", Tenant: "enwiki"}))
}

func TestDecNameMalformed(t *testing.T) {
	_, err := DecName("no-separator")
	assert.Error(t, err)
	_, err = DecName("bad%zz/enwiki")
	assert.Error(t, err)
}

func TestNewKeys(t *testing.T) {
	keys := NewKeys(Queue{Type: "refreshLinks", Tenant: "enwiki"})
	assert.Equal(t, Keys{
		Unclaimed: "enwiki:jobqueue:refreshLinks:l-unclaimed",
		Claimed:   "enwiki:jobqueue:refreshLinks:z-claimed",
		Attempts:  "enwiki:jobqueue:refreshLinks:h-attempts",
		Data:      "enwiki:jobqueue:refreshLinks:h-data",
		Abandoned: "enwiki:jobqueue:refreshLinks:z-abandoned",
		Delayed:   "enwiki:jobqueue:refreshLinks:z-delayed",
	}, keys)
}

func TestLockSlotKey(t *testing.T) {
	assert.Equal(t, "jobchron:lock:3", LockSlotKey("jobchron", 3))
}
