package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMurmur2_Fixtures(t *testing.T) {
	cases := []struct {
		key  string
		want int32
	}{
		{"0", 272173970},
		{"1", 1311020360},
		{"16384", 204404061},
		{"", 275646684},
		{"a", -809885833},
		{"ab", -1686076413},
		{"abc", 1545667907},
		{"abcd", -2139815384},
		{"abcde", 1468550417},
		{"user-42", 659293400},
		{"order:1001", 2051087235},
		{"été", -1737070610},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, Murmur2([]byte(tc.key)))
		})
	}
}

func TestPartitioner_Fixtures(t *testing.T) {
	p, err := New(12)
	require.NoError(t, err)

	cases := map[string]int32{
		"599999":                      6,
		"1039-36302-36840-2-9f138052": 7,
		"1182-07205-22440-2-0ad4507d": 3,
		"a":                           7,
		"user-42":                     8,
		"order:1001":                  3,
	}
	for key, want := range cases {
		assert.Equal(t, want, p.Partition([]byte(key)), "key %q", key)
	}
}

func TestPartitioner_SmallCount(t *testing.T) {
	p, err := New(3)
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.Partition([]byte("a")))
	assert.Equal(t, int32(2), p.Partition([]byte("abcde")))
	assert.Equal(t, int32(0), p.Partition([]byte("order:1001")))
}

func TestPartitioner_DeterministicAndInRange(t *testing.T) {
	for _, n := range []int32{1, 2, 7, 12, 64, 1000} {
		p, err := New(n)
		require.NoError(t, err)
		assert.Equal(t, n, p.NumPartitions())

		for i := 0; i < 500; i++ {
			key := []byte{byte(i), byte(i >> 8), 0xff, byte(i * 7)}[:i%5]
			got := p.Partition(key)
			assert.GreaterOrEqual(t, got, int32(0))
			assert.Less(t, got, n)
			assert.Equal(t, got, p.Partition(key))
		}
	}
}

func TestNew_RejectsNonPositive(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)

	_, err = New(-4)
	assert.Error(t, err)
}

func TestPartitioner_ZeroValue(t *testing.T) {
	var p Partitioner
	assert.Equal(t, int32(0), p.Partition([]byte("anything")))
}
