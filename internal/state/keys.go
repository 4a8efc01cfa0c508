package state

// Keyspace layout, one record per key:
//
//	lattice/{lattice}/host/{id}  host record
//	lattice/{lattice}/claims     claims snapshot for the whole lattice
//	lattice/{lattice}/inv/{id}   inventory snapshot for one host

const keyPrefix = "lattice/"

func hostKey(lattice, hostID string) []byte {
	return []byte(keyPrefix + lattice + "/host/" + hostID)
}

func hostPrefix(lattice string) []byte {
	return []byte(keyPrefix + lattice + "/host/")
}

func claimsKey(lattice string) []byte {
	return []byte(keyPrefix + lattice + "/claims")
}

func inventoryKey(lattice, hostID string) []byte {
	return []byte(keyPrefix + lattice + "/inv/" + hostID)
}

// prefixUpperBound returns the smallest key greater than every key carrying
// prefix, for use as an exclusive iterator upper bound. Returns nil when no
// such key exists (prefix is all 0xff).
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
