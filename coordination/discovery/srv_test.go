package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records []*net.SRV
	err     error
	query   string
}

func (f *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	f.query = "_" + service + "._" + proto + "." + name
	return "", f.records, f.err
}

func TestLookupOrdersByPriorityWeightHost(t *testing.T) {
	r := &fakeResolver{records: []*net.SRV{
		{Target: "c.lab.example.", Port: 6379, Priority: 10, Weight: 5},
		{Target: "b.lab.example.", Port: 6379, Priority: 0, Weight: 1},
		{Target: "a.lab.example.", Port: 6380, Priority: 0, Weight: 1},
		{Target: "d.lab.example.", Port: 6379, Priority: 0, Weight: 50},
	}}

	endpoints, err := LookupWith(context.Background(), r, "redis", "lab.example")
	require.NoError(t, err)
	assert.Equal(t, "_redis._tcp.lab.example", r.query)

	var addrs []string
	for _, e := range endpoints {
		addrs = append(addrs, e.Addr())
	}
	assert.Equal(t, []string{
		"d.lab.example:6379",
		"a.lab.example:6380",
		"b.lab.example:6379",
		"c.lab.example:6379",
	}, addrs)
}

func TestLookupNoRecords(t *testing.T) {
	r := &fakeResolver{records: []*net.SRV{{Target: ".", Port: 1}}}

	_, err := LookupWith(context.Background(), r, "lablock", "lab.example")
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestLookupResolverError(t *testing.T) {
	cause := errors.New("no such host")
	r := &fakeResolver{err: cause}

	_, err := LookupWith(context.Background(), r, "lablock", "lab.example")
	assert.ErrorIs(t, err, cause)
}
