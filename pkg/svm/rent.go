package svm

// Rent parameters. An account is rent exempt when it holds at least two
// years of rent for its storage.
const (
	// AccountStorageOverhead is charged on top of the data length.
	AccountStorageOverhead = uint64(128)

	// LamportsPerByteYear is the yearly rent per stored byte.
	LamportsPerByteYear = uint64(3480)

	// ExemptionThreshold is the number of years of rent required.
	ExemptionThreshold = uint64(2)
)

// MinimumBalance returns the rent-exempt minimum for an account holding
// dataLen bytes.
func MinimumBalance(dataLen uint64) uint64 {
	return (AccountStorageOverhead + dataLen) * LamportsPerByteYear * ExemptionThreshold
}
