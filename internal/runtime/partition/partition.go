// Package partition maps message keys onto Kafka partitions with a hash that
// is bit-compatible with the kafkajs default partitioner, so producers written
// in JavaScript and Go route the same key to the same partition.
package partition

import "fmt"

// Partitioner assigns keys to one of a fixed number of partitions.
// The zero value is not usable; construct it with New.
type Partitioner struct {
	numPartitions int32
}

// New returns a Partitioner for numPartitions partitions.
func New(numPartitions int32) (Partitioner, error) {
	if numPartitions <= 0 {
		return Partitioner{}, fmt.Errorf("partition: partition count must be positive, got %d", numPartitions)
	}
	return Partitioner{numPartitions: numPartitions}, nil
}

// NumPartitions returns the configured partition count.
func (p Partitioner) NumPartitions() int32 {
	return p.numPartitions
}

// Partition returns the partition index for key in [0, NumPartitions).
func (p Partitioner) Partition(key []byte) int32 {
	if p.numPartitions <= 0 {
		return 0
	}
	return (Murmur2(key) & 0x7FFFFFFF) % p.numPartitions
}
