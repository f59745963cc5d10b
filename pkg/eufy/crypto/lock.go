package crypto

var lockSeed = [16]byte{
	104, 173, 184, 38, 149, 99, 146, 17, 161, 135, 54, 57, 210, 158, 145, 89,
}

// LockKey derives the lock family AES-128 key from the account (admin) id and the station serial.
func LockKey(adminID, stationSN string) []byte {
	key := lockSeed
	for i := range key {
		if len(adminID) > 0 {
			key[i] ^= adminID[i%len(adminID)]
		}
		if len(stationSN) > 0 {
			key[i] ^= stationSN[len(stationSN)-1-i%len(stationSN)]
		}
	}
	return key[:]
}

// LockVector is the CBC IV of the lock family: station serial zero padded or truncated to 16.
func LockVector(stationSN string) []byte {
	return fit([]byte(stationSN))
}
