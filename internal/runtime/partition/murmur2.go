package partition

const (
	seed uint32 = 0x9747B28C
	m    uint32 = 0x5BD1E995
	r           = 24
)

// Murmur2 hashes key the way the kafkajs default partitioner does. Values
// are carried as float64 between bitwise operations and multiplications are
// done in floating point, matching JavaScript number semantics. The block
// loop also runs over a trailing partial block (missing bytes read as zero)
// before the tail bytes are folded in, which is what the JavaScript loop
// bound `i < length / 4` produces.
func Murmur2(key []byte) int32 {
	length := len(key)
	at := func(i int) int32 {
		if i < length {
			return int32(key[i])
		}
		return 0
	}

	h := int32(seed ^ uint32(length))

	blocks := (length + 3) / 4
	for i := 0; i < blocks; i++ {
		i4 := i * 4
		k := float64(at(i4)) +
			float64(at(i4+1)<<8) +
			float64(at(i4+2)<<16) +
			float64(at(i4+3)<<24)
		k *= float64(m)
		k = float64(toInt32(k) ^ int32(toUint32(k)>>r))
		k *= float64(m)
		hf := float64(h) * float64(m)
		h = toInt32(hf) ^ toInt32(k)
	}

	var hf float64
	tail := length & ^3
	switch length % 4 {
	case 3:
		h ^= int32(key[tail+2]) << 16
		fallthrough
	case 2:
		h ^= int32(key[tail+1]) << 8
		fallthrough
	case 1:
		h ^= int32(key[tail])
		hf = float64(h) * float64(m)
	default:
		hf = float64(h)
	}

	h = toInt32(hf) ^ int32(toUint32(hf)>>13)
	hf = float64(h) * float64(m)
	return toInt32(hf) ^ int32(toUint32(hf)>>15)
}

// toInt32 is the ECMAScript ToInt32 conversion for integral values whose
// magnitude fits in an int64.
func toInt32(v float64) int32 {
	return int32(int64(v))
}

// toUint32 is the ECMAScript ToUint32 conversion for integral values whose
// magnitude fits in an int64.
func toUint32(v float64) uint32 {
	return uint32(int64(v))
}
